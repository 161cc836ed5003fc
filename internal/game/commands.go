// Package game holds the thin rule content the runtime hooks expect: a
// line command interpreter and the per-tick regeneration pass. The
// runtime itself stays rule-free.
package game

import (
	"fmt"
	"strconv"
	"strings"

	"world-server/internal/engine"
	"world-server/internal/shard"
)

// Options wires the interpreter to its surroundings. Pub may be nil in
// single-process deployments without a broadcast substrate; MarkDirty may
// be nil when persistence is disabled. MarkDirty runs on the engine
// goroutine with the live session, so implementations can take a value
// copy before anything off-thread looks at it.
type Options struct {
	Pub       shard.Publisher
	MarkDirty func(s *engine.Session)
}

// Bind installs the command interpreter and the regen system.
func Bind(e *engine.Engine, opts Options) {
	markDirty := opts.MarkDirty
	if markDirty == nil {
		markDirty = func(*engine.Session) {}
	}
	e.SetLineFunc(func(e *engine.Engine, s *engine.Session, line string) {
		runCommand(e, s, line, opts.Pub, markDirty)
	})
	e.RegisterSystem(&regenSystem{markDirty: markDirty})
}

func runCommand(e *engine.Engine, s *engine.Session, line string, pub shard.Publisher, markDirty func(*engine.Session)) {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch strings.ToLower(verb) {
	case "":
		// blank line, just reprompt

	case "name":
		name := strings.TrimSpace(rest)
		if name == "" {
			e.Output(s.ID, "Name yourself what?")
			return
		}
		s.PlayerRef = name
		markDirty(s)
		e.Output(s.ID, "You are now known as "+name+".")

	case "say":
		if strings.TrimSpace(rest) == "" {
			e.Output(s.ID, "Say what?")
			return
		}
		who := s.PlayerRef
		if who == "" {
			who = fmt.Sprintf("someone (#%d)", s.ID.Seq())
		}
		text := who + " says: " + strings.TrimSpace(rest)
		if pub != nil {
			shard.PublishChat(e, pub, text)
		} else {
			e.BroadcastOutput(text)
		}

	case "go":
		mv, err := parseMove(rest)
		if err != nil {
			e.Output(s.ID, err.Error())
			return
		}
		s.PendingMove = &mv

	case "where":
		e.Output(s.ID, fmt.Sprintf("Zone %d, instance %d, room %d.", s.Zone, s.Instance, s.Room))

	case "hp":
		e.Output(s.ID, fmt.Sprintf("%d/%d", s.HP, s.MaxHP))

	case "quit":
		e.DisconnectSession(s.ID, "quit")

	default:
		e.Output(s.ID, "Nothing happens.")
	}
}

// parseMove accepts "go <zone>" (the movement system picks the instance)
// or the fully qualified "go <zone> <instance> <room>".
func parseMove(args string) (engine.Move, error) {
	usage := fmt.Errorf("Usage: go <zone> [<instance> <room>]")
	fields := strings.Fields(args)
	if len(fields) != 1 && len(fields) != 3 {
		return engine.Move{}, usage
	}
	nums := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return engine.Move{}, usage
		}
		nums[i] = n
	}
	if len(nums) == 1 {
		return engine.Move{Zone: nums[0], Instance: -1, Room: 0}, nil
	}
	return engine.Move{Zone: nums[0], Instance: nums[1], Room: nums[2]}, nil
}
