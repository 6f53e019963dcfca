// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package guided

// State is a phase of a guided decode.
type State int

const (
	// StateRunning is the state while steps are being taken.
	StateRunning State = iota
	// StateStoppedEmpty means the explanation branch produced no token.
	StateStoppedEmpty
	// StateStoppedStepLimit means the step budget ran out.
	StateStoppedStepLimit
	// StateDone is terminal, reached from either stopped state.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStoppedEmpty:
		return "stopped_empty"
	case StateStoppedStepLimit:
		return "stopped_step_limit"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Stopped reports whether s is one of the stopping states.
func (s State) Stopped() bool {
	return s == StateStoppedEmpty || s == StateStoppedStepLimit
}
