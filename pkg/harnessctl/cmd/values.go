package cmd

import (
	"github.com/canonical/k8s-test-harness/pkg/apis/testharness/v1beta1"
	"github.com/canonical/k8s-test-harness/pkg/harness"
)

// substrateValue is a pflag.Value accepting only known substrates.
type substrateValue v1beta1.Substrate

func (v *substrateValue) String() string {
	return string(*v)
}

func (v *substrateValue) Set(s string) error {
	if err := harness.ValidateSubstrate(v1beta1.Substrate(s)); err != nil {
		return err
	}
	*v = substrateValue(s)
	return nil
}

func (v *substrateValue) Type() string {
	return "substrate"
}

func (v *substrateValue) AsSubstrate() v1beta1.Substrate {
	return v1beta1.Substrate(*v)
}
