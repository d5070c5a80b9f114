// Copyright 2026 Sage Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package version exposes the build version, injected at link time.
package version

// Version is set via -ldflags "-X github.com/sagecore/sage/internal/version.Version=vX.Y.Z".
var Version = "dev"

// Get returns the build version string.
func Get() string {
	return Version
}
