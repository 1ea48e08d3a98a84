package main

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/configcore/pkg/configcore"
	"github.com/cuemby/configcore/pkg/identity"
	"github.com/cuemby/configcore/pkg/provider"
	"github.com/cuemby/configcore/pkg/secretbroker"
	"github.com/spf13/cobra"
)

// buildCoreFromEnvironment assembles a Core with the three built-in
// providers (environment, file, remote), each included only when its
// required configuration is present, so a bare invocation with no
// environment still produces a usable (if empty) Core.
func buildCoreFromEnvironment(cmd *cobra.Command) (*configcore.Core, error) {
	app, _ := cmd.Flags().GetString("app")
	if app == "" {
		app = os.Getenv("CONFIGCORE_APP")
	}
	host, _ := cmd.Flags().GetString("host")
	if host == "" {
		host = os.Getenv("CONFIGCORE_HOST")
		if host == "" {
			if h, err := os.Hostname(); err == nil {
				host = h
			}
		}
	}

	var runEnv *string
	if v := os.Getenv("CONFIGCORE_RUN_ENV"); v != "" {
		runEnv = &v
	}
	id := identity.New(app, host, environSnapshot(), parseLibraries(os.Getenv("CONFIGCORE_LIBRARIES")), runEnv)

	// Provider order decides last-writer-wins on (name, priority)
	// collisions: environment first, remote next, file last.
	var providers []provider.Provider
	providers = append(providers, provider.NewEnvironmentProvider("CONFIGCORE_SETTING_"))

	if base := os.Getenv("CONFIGCORE_REMOTE_URL"); base != "" {
		token := os.Getenv("CONFIGCORE_RUNTIME_TOKEN")
		providers = append(providers, provider.NewRemoteProvider(base, token, app, runEnv))
	}

	if path := os.Getenv("CONFIGCORE_FILE"); path != "" {
		providers = append(providers, provider.NewFileProvider(path))
	}

	var secretOpts []secretbroker.Option
	if raw := os.Getenv("SECRET_REFRESH_INTERVALS"); raw != "" {
		var seconds map[string]float64
		if err := json.Unmarshal([]byte(raw), &seconds); err != nil {
			return nil, err
		}
		intervals := make(map[string]time.Duration, len(seconds))
		for pattern, secs := range seconds {
			intervals[pattern] = time.Duration(secs * float64(time.Second))
		}
		secretOpts = append(secretOpts, secretbroker.WithIntervals(intervals))
	}

	return configcore.New(configcore.Options{
		Identity:      id,
		Providers:     providers,
		SecretOptions: secretOpts,
	}), nil
}

// environSnapshot captures the process environment once, for load-time
// "environment" filters to match against.
func environSnapshot() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// parseLibraries decodes the CONFIGCORE_LIBRARIES value, a comma-separated
// list of name=major.minor.patch declarations, into the identity's
// declared-versions map. Malformed entries are skipped.
func parseLibraries(raw string) map[string]identity.Version {
	libs := make(map[string]identity.Version)
	for _, decl := range strings.Split(raw, ",") {
		decl = strings.TrimSpace(decl)
		if decl == "" {
			continue
		}
		name, verStr, ok := strings.Cut(decl, "=")
		if !ok {
			continue
		}
		parts := strings.SplitN(verStr, ".", 3)
		if len(parts) != 3 {
			continue
		}
		var nums [3]int
		valid := true
		for i, p := range parts {
			n, err := strconv.Atoi(p)
			if err != nil {
				valid = false
				break
			}
			nums[i] = n
		}
		if valid {
			libs[name] = identity.Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}
		}
	}
	return libs
}
