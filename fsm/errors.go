// Copyright 2025 go-tradenet
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fsm

import (
	"errors"
	"fmt"
)

// ErrUnknownProtocol is returned when an aggregate names a protocol variant
// the engine doesn't hold.
var ErrUnknownProtocol = errors.New("unknown protocol variant")

// ConfigurationError signals an invalid protocol definition: duplicate
// transitions, undeclared or unreachable states. It is raised while building
// a protocol or engine, never while applying events.
type ConfigurationError struct {
	Protocol string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("protocol %s: %s", e.Protocol, e.Reason)
}
