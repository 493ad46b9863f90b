// Package config aggregates the agent's configuration sections into one
// place, following the teacher's NewXxxOptions/AddFlags/Validate idiom
// (internal/edgeagent's AgentOptions) but laid flat over plain
// spf13/pflag.FlagSet rather than the teacher's k8s.io/component-base
// NamedFlagSets, which this module does not otherwise need.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/openbmc-pldm/fwupdated/pkg/log"
	"github.com/openbmc-pldm/fwupdated/pkg/options"
)

// AgentOptions is the full set of flags/config the update-agent daemon
// accepts.
type AgentOptions struct {
	ConfigFile string

	Http *options.HttpOptions `json:"http" mapstructure:"http"`
	Mqtt *options.MqttOptions `json:"mqtt" mapstructure:"mqtt"`
	S3   *options.S3Options   `json:"s3" mapstructure:"s3"`
	Pldm *options.PldmOptions `json:"pldm" mapstructure:"pldm"`
	Log  *log.Options         `json:"log" mapstructure:"log"`
}

func NewAgentOptions() *AgentOptions {
	return &AgentOptions{
		Http: options.NewHttpOptions(),
		Mqtt: options.NewMqttOptions(),
		S3:   options.NewS3Options(),
		Pldm: options.NewPldmOptions(),
		Log:  log.NewOptions(),
	}
}

// AddFlags registers every section's flags on fs.
func (o *AgentOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ConfigFile, "config", "", "Path to a YAML/JSON/TOML config file; flags and env vars override it.")
	o.Http.AddFlags(fs)
	o.Mqtt.AddFlags(fs)
	o.S3.AddFlags(fs)
	o.Pldm.AddFlags(fs)
	o.Log.AddFlags(fs)
}

// Validate aggregates every section's Validate errors.
func (o *AgentOptions) Validate() error {
	var errs []error
	errs = append(errs, o.Http.Validate()...)
	errs = append(errs, o.Mqtt.Validate()...)
	errs = append(errs, o.S3.Validate()...)
	errs = append(errs, o.Pldm.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return errors.Join(errs...)
}

// Complete loads o.ConfigFile (if set) plus PLDM_FWUPD_-prefixed
// environment variables through viper, layering them under whatever the
// command line already set. Flags take precedence over the config file
// and env, matching viper's usual BindPFlag ordering.
func (o *AgentOptions) Complete(fs *pflag.FlagSet) error {
	v := viper.New()
	v.SetEnvPrefix("PLDM_FWUPD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if o.ConfigFile != "" {
		v.SetConfigFile(o.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", o.ConfigFile, err)
		}
	}

	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}

	if err := v.Unmarshal(o); err != nil {
		return fmt.Errorf("unmarshalling configuration: %w", err)
	}
	return nil
}
