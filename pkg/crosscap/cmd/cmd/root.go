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

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/antflydb/crosscap/pkg/crosscap"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	Version  string
	modelDir string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "crosscap",
	Short: "Guided cross-lingual image captioning",
	Long: `Caption images in a target language, guided by a caption in another
language, using a MiniCPM-V model exported to ONNX.

Examples:
  # Run the crosscap server
  crosscap run --model-dir ./models/minicpm-v

  # Caption one image in Chinese from an English caption
  crosscap caption --image dog.jpg --caption "a dog on the grass" --lang zh --txt-hp 0.3

  # Ask a question about an image
  crosscap chat --image dog.jpg --message "What is the dog doing?"`,
	// Default behavior when no subcommand is provided: run the server
	RunE: runServer,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.Version = Version
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "config file path (e.g. crosscap.yaml)")
	rootCmd.PersistentFlags().
		String("log-level", "info", "set the logging level (e.g. debug, info, warn, error)")
	rootCmd.PersistentFlags().
		String("log-style", "terminal", "set the logging output style (terminal, json, noop); defaults to json in Kubernetes")
	rootCmd.PersistentFlags().
		StringVar(&modelDir, "model-dir", "", "directory with the exported MiniCPM-V graphs and tokenizer")
	rootCmd.PersistentFlags().
		String("gpu", "auto", "GPU mode (auto, cuda, off)")

	// Bind to viper
	mustBindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.style", rootCmd.PersistentFlags().Lookup("log-style"))
	mustBindPFlag("model_dir", rootCmd.PersistentFlags().Lookup("model-dir"))
	mustBindPFlag("gpu", rootCmd.PersistentFlags().Lookup("gpu"))

	// Default values
	guided := crosscap.DefaultGuidedConfig()
	viper.SetDefault("api_url", crosscap.DefaultApiUrl)
	viper.SetDefault("health_port", 4200)
	viper.SetDefault("backend_priority", []string{"onnx"})
	viper.SetDefault("request_timeout", "30s")
	viper.SetDefault("vision_cache_ttl", crosscap.VisionCacheTTL.String())
	viper.SetDefault("guided.step_limit", guided.StepLimit)
	viper.SetDefault("guided.plausibility_fraction", guided.PlausibilityFraction)
	viper.SetDefault("guided.stop_on_empty", guided.StopOnEmpty)
	viper.SetDefault("guided.parallel_branches", guided.ParallelBranches)
	viper.SetDefault("log.level", "info")
	// Default to JSON logging in Kubernetes for structured log aggregation
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		viper.SetDefault("log.style", "json")
	} else {
		viper.SetDefault("log.style", "logfmt")
	}
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %q: %v", key, err))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "Config file not found: %s\n", cfgFile)
			os.Exit(1)
		}

		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config file in home directory and current directory
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".crosscap")
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("crosscap")
	}

	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("CROSSCAP")                         // CROSSCAP_ prefix for env vars
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace . with _ in env var names
	viper.AutomaticEnv()                                   // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		// Only error if user explicitly specified a config file
		fmt.Fprintf(os.Stderr, "Error reading config file [%s]: %v\n", viper.ConfigFileUsed(), err)
		os.Exit(1)
	}
}

// configFromViper builds the node config from flags, env and config file.
func configFromViper() crosscap.Config {
	return crosscap.Config{
		ApiUrl:                viper.GetString("api_url"),
		ModelDir:              viper.GetString("model_dir"),
		BackendPriority:       viper.GetStringSlice("backend_priority"),
		Gpu:                   viper.GetString("gpu"),
		MaxConcurrentRequests: viper.GetInt("max_concurrent_requests"),
		MaxQueueSize:          viper.GetInt("max_queue_size"),
		RequestTimeout:        viper.GetString("request_timeout"),
		VisionCacheTTL:        viper.GetString("vision_cache_ttl"),
		Guided: crosscap.GuidedConfig{
			StepLimit:            viper.GetInt("guided.step_limit"),
			PlausibilityFraction: viper.GetFloat64("guided.plausibility_fraction"),
			StopOnEmpty:          viper.GetBool("guided.stop_on_empty"),
			ParallelBranches:     viper.GetBool("guided.parallel_branches"),
		},
	}
}
