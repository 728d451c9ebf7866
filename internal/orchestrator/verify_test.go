package orchestrator

import (
	"errors"
	"strings"
	"testing"
)

func TestVerifier_ForbiddenImport(t *testing.T) {
	v := &Verifier{ForbiddenImports: []string{"os", "subprocess"}}

	err := v.Verify("import os\nos.remove('x')")
	var verr *CodeVerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected CodeVerificationError, got %v", err)
	}
	if !strings.Contains(verr.Error(), "os") {
		t.Errorf("error = %v", verr)
	}

	if err := v.Verify("import pandas as pd\nfrom math import sqrt"); err != nil {
		t.Errorf("benign imports rejected: %v", err)
	}
}

func TestVerifier_AllowList(t *testing.T) {
	v := &Verifier{AllowedImports: []string{"pandas", "numpy"}}

	if err := v.Verify("import numpy as np\nfrom pandas.io import json"); err != nil {
		t.Errorf("allowed imports rejected: %v", err)
	}
	if err := v.Verify("import requests"); err == nil {
		t.Error("import outside allow list must be rejected")
	}
}

func TestVerifier_NilPolicyAllowsEverything(t *testing.T) {
	var v *Verifier
	if err := v.Verify("import os"); err != nil {
		t.Errorf("nil verifier must allow, got %v", err)
	}
}
