package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. CLASSLINK_BUS_HOST.
const EnvPrefix = "CLASSLINK"

// Load reads and parses the configuration file, applies environment
// overrides and role defaults, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader is like Load but reads YAML from r. Unknown keys are
// rejected. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	cfg.ApplyRoleDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays CLASSLINK_* environment variables onto cfg. Only the
// scalar settings that differ between deployments of the same file are
// bound.
func applyEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	strs := map[string]*string{
		"node.id":               &cfg.Node.ID,
		"node.role":             &cfg.Node.Role,
		"bus.host":              &cfg.Bus.Host,
		"bus.username":          &cfg.Bus.Username,
		"bus.password":          &cfg.Bus.Password,
		"audio.source":          &cfg.Audio.Source,
		"audio.path":            &cfg.Audio.Path,
		"uplink.peer_host":      &cfg.Uplink.PeerHost,
		"uplink.layout":         &cfg.Uplink.Layout,
		"input.line_input":      &cfg.Input.LineInput,
		"presence.interface":    &cfg.Presence.Interface,
		"hostlink.target":       &cfg.HostLink.Target,
		"receiver.layout":       &cfg.Receiver.Layout,
		"http.address":          &cfg.HTTP.Address,
		"logging.level":         &cfg.Logging.Level,
		"logging.format":        &cfg.Logging.Format,
		"logging.output":        &cfg.Logging.Output,
		"receiver.bind_address": &cfg.Receiver.BindAddress,
	}
	ints := map[string]*int{
		"bus.port":                     &cfg.Bus.Port,
		"bus.reconnect.max_attempts":   &cfg.Bus.Reconnect.MaxAttempts,
		"bus.reconnect.retry_delay_ms": &cfg.Bus.Reconnect.RetryDelay,
		"uplink.peer_port":             &cfg.Uplink.PeerPort,
		"vad.threshold":                &cfg.VAD.Threshold,
		"receiver.udp_port":            &cfg.Receiver.UDPPort,
		"http.port":                    &cfg.HTTP.Port,
	}
	bools := map[string]*bool{
		"presence.enabled": &cfg.Presence.Enabled,
		"http.enabled":     &cfg.HTTP.Enabled,
	}
	lists := map[string]*[]string{
		"receiver.ai_targets":      &cfg.Receiver.AITargets,
		"receiver.class_targets":   &cfg.Receiver.ClassTargets,
		"receiver.private_targets": &cfg.Receiver.PrivateTargets,
	}

	bound := func(key string) (bool, error) {
		if err := v.BindEnv(key); err != nil {
			return false, fmt.Errorf("failed to bind %s: %w", key, err)
		}
		return v.IsSet(key), nil
	}

	var errs []error
	for key, dst := range strs {
		ok, err := bound(key)
		if err != nil {
			errs = append(errs, err)
		} else if ok {
			*dst = strings.TrimSpace(v.GetString(key))
		}
	}
	// GetInt and GetBool yield zero for a malformed value; the cast E
	// variants report it.
	for key, dst := range ints {
		ok, err := bound(key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		n, err := cast.ToIntE(v.Get(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not an integer", envName(key), v.GetString(key)))
			continue
		}
		*dst = n
	}
	for key, dst := range bools {
		ok, err := bound(key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		b, err := cast.ToBoolE(v.Get(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not a boolean", envName(key), v.GetString(key)))
			continue
		}
		*dst = b
	}
	for key, dst := range lists {
		ok, err := bound(key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			*dst = splitList(v.GetString(key))
		}
	}

	return errors.Join(errs...)
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
