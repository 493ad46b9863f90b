package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*PldmOptions)(nil)

// PldmOptions configures the PLDM Type 5 update agent itself: package
// discovery directories, transfer/timeout tunables, and whether integrity
// and authentication checks are mandatory, per spec §6's environment
// knobs.
type PldmOptions struct {
	ImmediateDir string `json:"immediate-dir" mapstructure:"immediate-dir"`
	StagedDir    string `json:"staged-dir" mapstructure:"staged-dir"`

	MaxTransferSize    uint32        `json:"max-transfer-size" mapstructure:"max-transfer-size"`
	RequestDataTimeout time.Duration `json:"request-data-timeout" mapstructure:"request-data-timeout"`
	CompletionTimeout  time.Duration `json:"completion-timeout" mapstructure:"completion-timeout"`
	ProgressTick       time.Duration `json:"progress-tick" mapstructure:"progress-tick"`

	RequireIntegrity      bool   `json:"require-integrity" mapstructure:"require-integrity"`
	RequireAuthentication bool   `json:"require-authentication" mapstructure:"require-authentication"`
	PublicKeyFile         string `json:"public-key-file" mapstructure:"public-key-file"`

	SidecarDir string `json:"sidecar-dir" mapstructure:"sidecar-dir"`

	// DescriptorMapFile points at a JSON snapshot of the endpoint ->
	// descriptor-set mapping discovery publishes externally (spec §4.3's
	// "Descriptor Map (from discovery, external)"); this agent does not
	// implement discovery itself.
	DescriptorMapFile string `json:"descriptor-map-file" mapstructure:"descriptor-map-file"`
}

func NewPldmOptions() *PldmOptions {
	return &PldmOptions{
		ImmediateDir:       "/var/lib/pldm-fwupd/immediate",
		StagedDir:          "/var/lib/pldm-fwupd/staged",
		MaxTransferSize:    512,
		RequestDataTimeout: 60 * time.Second,
		CompletionTimeout:  600 * time.Second,
		ProgressTick:       2 * time.Second,
		SidecarDir:         "/var/lib/pldm-fwupd/sidecar",
	}
}

func (o *PldmOptions) Validate() []error {
	errors := []error{}

	if o.ImmediateDir == "" {
		errors = append(errors, fmt.Errorf("pldm.immediate-dir must not be empty"))
	}
	if o.StagedDir == "" {
		errors = append(errors, fmt.Errorf("pldm.staged-dir must not be empty"))
	}
	if o.MaxTransferSize == 0 {
		errors = append(errors, fmt.Errorf("pldm.max-transfer-size must be greater than zero"))
	}
	if o.RequireAuthentication && o.PublicKeyFile == "" {
		errors = append(errors, fmt.Errorf("pldm.public-key-file is required when pldm.require-authentication is true"))
	}

	return errors
}

func (o *PldmOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.ImmediateDir, "pldm.immediate-dir", o.ImmediateDir, "Directory watched for packages that activate immediately on arrival.")
	fs.StringVar(&o.StagedDir, "pldm.staged-dir", o.StagedDir, "Directory watched for packages that wait for an explicit activation request.")
	fs.Uint32Var(&o.MaxTransferSize, "pldm.max-transfer-size", o.MaxTransferSize, "Maximum RequestFirmwareData chunk size offered to devices.")
	fs.DurationVar(&o.RequestDataTimeout, "pldm.request-data-timeout", o.RequestDataTimeout, "UA_T2: time to wait for a firmware data request between chunks.")
	fs.DurationVar(&o.CompletionTimeout, "pldm.completion-timeout", o.CompletionTimeout, "UA_T6: time to wait for a component's transfer/verify/apply to complete.")
	fs.DurationVar(&o.ProgressTick, "pldm.progress-tick", o.ProgressTick, "Interval between activation-surface progress publications. Not passed to the manager, which publishes progress every 2s.")
	fs.BoolVar(&o.RequireIntegrity, "pldm.require-integrity", o.RequireIntegrity, "Reject packages that do not carry a verifiable integrity digest.")
	fs.BoolVar(&o.RequireAuthentication, "pldm.require-authentication", o.RequireAuthentication, "Reject packages that are not signed by a trusted key.")
	fs.StringVar(&o.PublicKeyFile, "pldm.public-key-file", o.PublicKeyFile, "PEM-encoded trusted public key that authentication verifies signatures against, whether or not the package embeds a key.")
	fs.StringVar(&o.SidecarDir, "pldm.sidecar-dir", o.SidecarDir, "Base directory under which non-PLDM hand-off targets are extracted.")
	fs.StringVar(&o.DescriptorMapFile, "pldm.descriptor-map-file", o.DescriptorMapFile, "JSON file mapping endpoint EID to the descriptor set it advertises, as published by discovery.")
}
