package config

import (
	"testing"
)

func TestDefaultOptionsValidate(t *testing.T) {
	opts := NewAgentOptions()
	if err := opts.Validate(); err != nil {
		t.Fatalf("default options should validate, got: %v", err)
	}
}

func TestValidateRejectsAuthenticationWithoutPublicKey(t *testing.T) {
	opts := NewAgentOptions()
	opts.Pldm.RequireAuthentication = true
	opts.Pldm.PublicKeyFile = ""

	if err := opts.Validate(); err == nil {
		t.Fatal("expected validation error when require-authentication is set without a public key file")
	}
}

func TestValidateRejectsEmptyStagingDirs(t *testing.T) {
	opts := NewAgentOptions()
	opts.Pldm.ImmediateDir = ""

	if err := opts.Validate(); err == nil {
		t.Fatal("expected validation error for empty immediate dir")
	}
}
