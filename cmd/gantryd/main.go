// gantryd - the bridge host daemon.
//
// Serves a demo scene over the WebSocket bridge: a couple of calls, a
// tick event and a telemetry stream, with the host loop draining
// scheduled work the way a game engine's main loop would. With -script
// it runs a Lua file against a running daemon instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tliron/commonlog"
	lua "github.com/yuin/gopher-lua"

	"github.com/halloway/gantry/bridge"
	"github.com/halloway/gantry/scripting/luabind"
	"github.com/halloway/gantry/transport/wskit"
	"github.com/halloway/gantry/wire"

	_ "github.com/tliron/commonlog/simple"
)

const version = "0.3.0"

func main() {
	addr := flag.String("addr", ":7600", "Listen address for the bridge server")
	configDir := flag.String("config", ".", "Directory containing gantry.toml")
	tickRate := flag.Duration("tick", 16*time.Millisecond, "Host loop tick interval")
	verbose := flag.Bool("v", false, "Verbose output")
	script := flag.String("script", "", "Run a Lua script against a daemon instead of serving")
	connect := flag.String("connect", "ws://localhost:7600", "Daemon URL (used with -script)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: gantryd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Serves the demo scene over the invocation bridge.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  gantryd                          # Serve on :7600\n")
		fmt.Fprintf(os.Stderr, "  gantryd -addr :8080 -v           # Serve on :8080, verbose\n")
		fmt.Fprintf(os.Stderr, "  gantryd -script demo.lua         # Run demo.lua against localhost:7600\n")
		fmt.Fprintf(os.Stderr, "  gantryd -script demo.lua -connect ws://host:7600\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	if *script != "" {
		if err := runScript(*script, *connect); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := serve(*addr, *configDir, *tickRate, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// entity is a demo scene object the host owns. Scripts only ever see
// handles to these.
type entity struct {
	Kind     string
	Position [3]float32
}

// scene is the host-side state. Touched only from the host loop;
// handlers that mutate it are registered with host affinity.
type scene struct {
	session  *bridge.Session
	entities map[wire.Handle]*entity
	spawned  uint64
}

func (sc *scene) register() error {
	calls := []struct {
		name     string
		sig      bridge.Signature
		affinity bridge.Affinity
		handler  bridge.Handler
	}{
		{
			"engine.version",
			bridge.Signature{Result: wire.StringType},
			bridge.AffinityAny,
			func(ctx context.Context, args []any) (any, error) {
				return version, nil
			},
		},
		{
			"scene.spawn",
			bridge.Signature{Params: []wire.Type{wire.StringType, wire.Float3Type}, Result: wire.HandleType},
			bridge.AffinityHost,
			sc.spawn,
		},
		{
			"scene.describe",
			bridge.Signature{Params: []wire.Type{wire.HandleType}, Result: wire.StringType},
			bridge.AffinityHost,
			sc.describe,
		},
		{
			"scene.destroy",
			bridge.Signature{Params: []wire.Type{wire.HandleType}, Result: wire.VoidType},
			bridge.AffinityHost,
			sc.destroy,
		},
	}
	for _, c := range calls {
		if err := sc.session.RegisterCall(c.name, c.sig, c.affinity, c.handler); err != nil {
			return err
		}
	}
	return sc.session.RegisterEvent("engine.tick")
}

func (sc *scene) spawn(ctx context.Context, args []any) (any, error) {
	kind := args[0].(string)
	pos := args[1].([3]float32)

	e := &entity{Kind: kind, Position: pos}
	h := wire.Handle(sc.session.Handles().Create(e, "entity"))
	sc.entities[h] = e
	sc.spawned++
	return h, nil
}

func (sc *scene) describe(ctx context.Context, args []any) (any, error) {
	h := args[0].(wire.Handle)
	e, ok := sc.entities[h]
	if !ok {
		return nil, fmt.Errorf("entity %s was destroyed", h)
	}
	return fmt.Sprintf("%s at (%g, %g, %g)", e.Kind, e.Position[0], e.Position[1], e.Position[2]), nil
}

func (sc *scene) destroy(ctx context.Context, args []any) (any, error) {
	h := args[0].(wire.Handle)
	if _, ok := sc.entities[h]; !ok {
		return nil, fmt.Errorf("entity %s was destroyed", h)
	}
	delete(sc.entities, h)
	sc.session.Handles().Release(string(h))
	return nil, nil
}

func serve(addr, configDir string, tickRate time.Duration, verbose bool) error {
	log := commonlog.GetLogger("gantryd")

	cfg, err := bridge.LoadConfig(configDir)
	if err != nil {
		return err
	}

	session := bridge.NewSession(cfg)
	sc := &scene{session: session, entities: make(map[wire.Handle]*entity)}
	if err := sc.register(); err != nil {
		return err
	}
	if err := session.Activate(); err != nil {
		return err
	}

	telemetry, err := session.OpenStream("telemetry", 0)
	if err != nil {
		return err
	}

	srv := wskit.NewServer(session)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("server: %v", err)
		}
	}()

	if verbose {
		fmt.Printf("gantryd %s listening on %s (tick %v)\n", version, addr, tickRate)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// The host loop. Each iteration drains scheduled work, emits the
	// tick event and pushes a telemetry frame.
	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()
	var tick uint64
	for {
		select {
		case <-ticker.C:
			tick++
			session.Tick()
			session.Emit("engine.tick", wire.Uint64(tick)) //nolint:errcheck
			if telemetry != nil {
				load := wire.Float64(float64(len(sc.entities)))
				if err := telemetry.PushFrame(load); bridge.KindOf(err) == bridge.ErrStreamClosed {
					telemetry = nil
				}
			}
		case <-stop:
			fmt.Println("\nShutting down")
			session.Close(2 * time.Second) //nolint:errcheck
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return httpSrv.Shutdown(ctx)
		}
	}
}

func runScript(path, url string) error {
	client, err := wskit.Dial(url)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer client.Close(ctx) //nolint:errcheck

	binding := luabind.New(luabind.Wrap(client))
	defer binding.Close()

	L := lua.NewState()
	defer L.Close()
	binding.Install(L)

	return L.DoFile(path)
}
