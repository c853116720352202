package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"proctor/internal/engine"
)

// A replay script is a recorded or hand-written sequence of detection events.
// The tool drives them through the escalation reducer on a synthetic clock,
// so a disputed termination can be reproduced second by second without a
// camera, a candidate, or any external detection service.

type script struct {
	Rules  rulesOverride `json:"rules"`
	Events []scriptEvent `json:"events"`
}

type rulesOverride struct {
	CameraGraceSec    int `json:"camera_grace_sec"`
	MultiFaceGraceSec int `json:"multi_face_grace_sec"`
	ObjectMaxStrikes  int `json:"object_max_strikes"`
}

type scriptEvent struct {
	AtMS int64  `json:"at_ms"`
	Type string `json:"type"`

	// identity
	Verdict string `json:"verdict,omitempty"`
	// behavior
	Status         string `json:"status,omitempty"`
	ObjectDetected bool   `json:"object_detected,omitempty"`
	// frame
	Live bool `json:"live,omitempty"`
	// manual
	Rule string `json:"rule,omitempty"`
}

type replayStep struct {
	AtMS      int64                `json:"at_ms"`
	Event     string               `json:"event"`
	Kind      string               `json:"kind"`
	Rule      string               `json:"rule,omitempty"`
	Stage     int                  `json:"stage,omitempty"`
	Remaining int                  `json:"seconds_remaining,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	Status    engine.ProctorStatus `json:"status"`
}

type replayResult struct {
	Steps      []replayStep         `json:"steps"`
	Final      engine.ProctorStatus `json:"final_status"`
	Terminated bool                 `json:"terminated"`
}

func main() {
	scriptPath := flag.String("script", "", "Path to replay script JSON")
	format := flag.String("format", "text", "Output format: text|json")
	strict := flag.Bool("strict", false, "Exit non-zero if the replay terminates the session")
	flag.Parse()

	if strings.TrimSpace(*scriptPath) == "" {
		exitWith("-script is required")
	}
	data, err := os.ReadFile(*scriptPath)
	if err != nil {
		exitWith("read script: " + err.Error())
	}
	var s script
	if err := json.Unmarshal(data, &s); err != nil {
		exitWith("parse script: " + err.Error())
	}

	result, err := replay(s)
	if err != nil {
		exitWith(err.Error())
	}

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "json":
		out, marshalErr := json.MarshalIndent(result, "", "  ")
		if marshalErr != nil {
			exitWith("encode result: " + marshalErr.Error())
		}
		fmt.Println(string(out))
	default:
		printResult(result)
	}

	if *strict && result.Terminated {
		os.Exit(2)
	}
}

func replay(s script) (replayResult, error) {
	cfg := engine.DefaultConfig().Rules
	if s.Rules.CameraGraceSec > 0 {
		cfg.CameraGraceSec = s.Rules.CameraGraceSec
	}
	if s.Rules.MultiFaceGraceSec > 0 {
		cfg.MultiFaceGraceSec = s.Rules.MultiFaceGraceSec
	}
	if s.Rules.ObjectMaxStrikes > 0 {
		cfg.ObjectMaxStrikes = s.Rules.ObjectMaxStrikes
	}

	events := make([]scriptEvent, len(s.Events))
	copy(events, s.Events)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].AtMS < events[j].AtMS
	})

	rules := engine.NewRuleEngine(cfg)
	state := engine.NewRuleState()
	result := replayResult{Steps: []replayStep{}}

	clock := int64(0)
	strikes := 0
	objectVisible := false

	apply := func(atMS int64, label string, event engine.Event) {
		var transitions []engine.Transition
		state, transitions = rules.Apply(state, event)
		for _, t := range transitions {
			result.Steps = append(result.Steps, replayStep{
				AtMS:      atMS,
				Event:     label,
				Kind:      string(t.Kind),
				Rule:      string(t.Rule),
				Stage:     t.Stage,
				Remaining: t.SecondsRemaining,
				Reason:    string(t.Reason),
				Status:    state.Status,
			})
		}
	}

	// advance walks the synthetic clock to target, firing the 1-second
	// countdown tick for every armed rule on each elapsed second.
	advance := func(target int64) {
		for clock < target && !state.Terminated {
			nextSecond := (clock/1000 + 1) * 1000
			if nextSecond > target {
				clock = target
				return
			}
			clock = nextSecond
			for _, rule := range rules.ActiveCountdowns(state) {
				apply(clock, "tick", engine.Event{Kind: engine.EventTimerTick, Rule: rule})
				if state.Terminated {
					break
				}
			}
		}
	}

	for _, item := range events {
		if state.Terminated {
			break
		}
		advance(item.AtMS)
		if state.Terminated {
			break
		}
		switch strings.ToLower(strings.TrimSpace(item.Type)) {
		case "identity":
			verdict, ok := parseVerdict(item.Verdict)
			if !ok {
				return replayResult{}, fmt.Errorf("unknown identity verdict %q at %dms", item.Verdict, item.AtMS)
			}
			apply(item.AtMS, "identity", engine.Event{
				Kind:     engine.EventIdentitySample,
				Identity: &engine.IdentitySample{Verdict: verdict},
			})
		case "behavior":
			// Rising-edge strike counting, the same rule the live sampler
			// applies: a strike on the frame the object appears, none while
			// it stays in view.
			if item.ObjectDetected && !objectVisible {
				strikes++
			}
			objectVisible = item.ObjectDetected
			status := engine.BehaviorStatus(strings.ToLower(strings.TrimSpace(item.Status)))
			if status == "" {
				status = engine.BehaviorFocused
			}
			apply(item.AtMS, "behavior", engine.Event{
				Kind: engine.EventBehaviorSample,
				Behavior: &engine.BehaviorSample{
					Status:         status,
					ObjectDetected: item.ObjectDetected,
					ObjectStrikes:  strikes,
				},
			})
		case "frame":
			frame := engine.FrameSourceState{}
			if item.Live {
				frame.HasStream = true
				frame.TrackEnabled = true
			}
			apply(item.AtMS, "frame", engine.Event{
				Kind:  engine.EventFrameState,
				Frame: &frame,
			})
		case "manual":
			rule, ok := parseRule(item.Rule)
			if !ok {
				return replayResult{}, fmt.Errorf("unknown rule %q at %dms", item.Rule, item.AtMS)
			}
			apply(item.AtMS, "manual", engine.Event{
				Kind:   engine.EventManualStop,
				Rule:   rule,
				Reason: engine.ReasonForRule(rule),
			})
		default:
			return replayResult{}, fmt.Errorf("unknown event type %q at %dms", item.Type, item.AtMS)
		}
	}

	// Let any armed countdown run out after the last scripted event.
	if !state.Terminated && len(rules.ActiveCountdowns(state)) > 0 {
		last := clock
		if n := len(events); n > 0 && events[n-1].AtMS > last {
			last = events[n-1].AtMS
		}
		horizon := last + int64(cfg.CameraGraceSec*2+cfg.MultiFaceGraceSec+2)*1000
		advance(horizon)
	}

	result.Final = state.Status
	result.Terminated = state.Terminated
	return result, nil
}

func parseVerdict(value string) (engine.IdentityVerdict, bool) {
	verdict := engine.IdentityVerdict(strings.ToLower(strings.TrimSpace(value)))
	switch verdict {
	case engine.VerdictMatch, engine.VerdictMismatch, engine.VerdictNoFace,
		engine.VerdictMultiFace, engine.VerdictSourceUnavailable,
		engine.VerdictTransientError, engine.VerdictPaused:
		return verdict, true
	default:
		return "", false
	}
}

func parseRule(value string) (engine.RuleID, bool) {
	rule := engine.RuleID(strings.ToLower(strings.TrimSpace(value)))
	switch rule {
	case engine.RuleIdentityMismatch, engine.RuleCameraAbsence,
		engine.RuleMultipleFaces, engine.RuleProhibitedObject:
		return rule, true
	default:
		return "", false
	}
}

func printResult(result replayResult) {
	if len(result.Steps) == 0 {
		fmt.Println("no transitions")
	}
	for _, step := range result.Steps {
		line := fmt.Sprintf("%8dms  %-9s %s", step.AtMS, step.Event, step.Kind)
		if step.Rule != "" {
			line += "  rule=" + step.Rule
		}
		if step.Stage > 0 {
			line += fmt.Sprintf("  stage=%d", step.Stage)
		}
		if step.Remaining > 0 {
			line += fmt.Sprintf("  remaining=%ds", step.Remaining)
		}
		if step.Reason != "" {
			line += "  reason=" + step.Reason
		}
		fmt.Println(line)
	}
	fmt.Printf("final: phase=%s", result.Final.Phase)
	if result.Final.Rule != "" {
		fmt.Printf(" rule=%s", result.Final.Rule)
	}
	if result.Final.Reason != "" {
		fmt.Printf(" reason=%s", result.Final.Reason)
	}
	fmt.Println()
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, message)
	os.Exit(1)
}
