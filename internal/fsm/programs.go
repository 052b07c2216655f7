package fsm

import "time"

// State names used by the built-in program builders.
const (
	monitorState = "Monitor"
	rewardState  = "DeliverReward"
)

// WaitProgram builds the self-looping program the monitor runs each cycle:
// a single state whose timer is the cycle length. Every condition in events
// loops back to the same state, so the run keeps collecting transitions
// until the timer expires and Tup ends it.
func WaitProgram(cycle time.Duration, events []string) Program {
	transitions := make(map[string]string, len(events)+1)
	transitions[Tup] = Exit
	for _, ev := range events {
		transitions[ev] = monitorState
	}
	return Program{
		Name: "monitor-wait",
		States: []State{{
			Name:        monitorState,
			Timer:       cycle,
			Transitions: transitions,
		}},
	}
}

// RewardProgram builds a single-state program that holds port's valve open
// for duration and exits when the state timer fires.
func RewardProgram(port int, duration time.Duration) Program {
	return Program{
		Name: "deliver-reward",
		States: []State{{
			Name:        rewardState,
			Timer:       duration,
			Outputs:     []Output{{Valve: port}},
			Transitions: map[string]string{Tup: Exit},
		}},
	}
}
