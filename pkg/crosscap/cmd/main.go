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

// Command crosscap runs guided cross-lingual image captioning on MiniCPM-V.
//
// Usage:
//
//	crosscap run                                          # Start the server
//	crosscap caption --image dog.jpg --caption "a dog" --lang zh
//	crosscap chat --image dog.jpg --message "What is the dog doing?"
package main

import (
	"runtime"

	"github.com/antflydb/crosscap/pkg/crosscap"
	"github.com/antflydb/crosscap/pkg/crosscap/cmd/cmd"
)

// https://goreleaser.com/cookbooks/using-main.version/
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	runtime.SetMutexProfileFraction(1) // Enable mutex profiling
	runtime.SetBlockProfileRate(1)     // Sample every blocking event
	crosscap.Version, crosscap.GitCommit, crosscap.BuildTime = version, commit, date
	cmd.Version = version
	cmd.Execute()
}
