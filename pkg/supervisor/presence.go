package supervisor

import (
	"context"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

// parserStopTicks is how many consecutive game-down observations must
// accumulate before autorun stops the parser. Guards against presence
// flaps during game restarts.
const parserStopTicks = 2

// presenceTask polls the host process table and publishes presence keys:
// ed.running, app.<alias>.running and app.foreground. Game and parser
// transitions emit their lifecycle events; when autorun is on the parser
// follows the game.
type presenceTask struct {
	s *Supervisor

	mu        sync.Mutex
	seeded    bool
	ed        bool
	parserUp  bool
	apps      map[string]bool
	downTicks int
}

func newPresenceTask(s *Supervisor) *presenceTask {
	return &presenceTask{s: s, apps: make(map[string]bool)}
}

func (t *presenceTask) edUp() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ed
}

func (t *presenceTask) run(ctx context.Context) error {
	procs, err := t.s.listProcs(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	edNow := procs[strings.ToLower(t.s.cfg.EDProcessName)]
	t.s.setState("ed.running", edNow)

	for alias, exe := range t.s.cfg.WatchProcesses {
		up := procs[strings.ToLower(exe)]
		t.s.setState("app."+alias+".running", up)
		if t.seeded && up && !t.apps[alias] {
			t.s.emit(store.EventAuxAppStarted, store.SeverityInfo, map[string]interface{}{
				"app": alias,
				"exe": exe,
			}, "presence")
		}
		t.apps[alias] = up
	}

	t.s.setState("app.foreground", t.s.foreground())

	if t.seeded && edNow != t.ed {
		if edNow {
			t.s.emit(store.EventEDStarted, store.SeverityInfo, map[string]interface{}{
				"process": t.s.cfg.EDProcessName,
			}, "presence")
		} else {
			t.s.emit(store.EventEDStopped, store.SeverityInfo, map[string]interface{}{
				"process": t.s.cfg.EDProcessName,
			}, "presence")
		}
	}

	t.coupleParser(edNow)
	t.ed = edNow
	t.seeded = true
	return nil
}

// coupleParser keeps the external parser aligned with game presence and
// mirrors its child state. Parser lifecycle events fire on the mirror
// edge, so starts and stops from any owner are journaled exactly once.
func (t *presenceTask) coupleParser(edNow bool) {
	p := t.s.parser
	if p == nil {
		return
	}

	if t.s.cfg.ParserAutorun && t.seeded {
		switch {
		case edNow && !t.ed:
			t.downTicks = 0
			if !p.Running() {
				if _, err := p.Start(sourceName, "game_detected", false); err != nil {
					t.s.log.Warn("parser autorun start failed", "error", err)
				}
			}
		case !edNow:
			t.downTicks++
			if t.downTicks == parserStopTicks && p.Running() {
				if _, err := p.Stop(sourceName, "game_exited", false); err != nil {
					t.s.log.Warn("parser autorun stop failed", "error", err)
				}
			}
		default:
			t.downTicks = 0
		}
	}

	running := p.Running()
	t.s.setState("ed.parser.running", running)
	if t.seeded && running != t.parserUp {
		evt := store.EventEDParserStopped
		if running {
			evt = store.EventEDParserStarted
		}
		t.s.emit(evt, store.SeverityInfo, p.Status(), "parser")
	}
	t.parserUp = running
}

// listProcesses snapshots the host process table as a set of lowercase
// executable names.
func listProcesses(ctx context.Context) (map[string]bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		out[strings.ToLower(name)] = true
	}
	return out, nil
}
