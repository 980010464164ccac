package runtimeconfig

import "testing"

func TestExpandEnvVarsInDataBraced(t *testing.T) {
	t.Setenv("CER_TEST_REGISTRY_URL", "https://registry.internal")
	got := ExpandEnvVarsInData(map[string]interface{}{
		"registry": map[string]interface{}{
			"base_url": "${CER_TEST_REGISTRY_URL}",
		},
	})
	m := got.(map[string]interface{})["registry"].(map[string]interface{})
	if m["base_url"] != "https://registry.internal" {
		t.Errorf("got %v", m["base_url"])
	}
}

func TestExpandEnvVarsInDataWithDefault(t *testing.T) {
	got := expandEnvVars("${CER_TEST_UNSET_VAR:-fallback}")
	if got != "fallback" {
		t.Errorf("got %q", got)
	}
}

func TestExpandEnvVarsInDataDefaultNotUsedWhenSet(t *testing.T) {
	t.Setenv("CER_TEST_SET_VAR", "actual")
	got := expandEnvVars("${CER_TEST_SET_VAR:-fallback}")
	if got != "actual" {
		t.Errorf("got %q", got)
	}
}

func TestExpandEnvVarsInDataReparsesBool(t *testing.T) {
	t.Setenv("CER_TEST_BOOL_VAR", "true")
	got := ExpandEnvVarsInData("$CER_TEST_BOOL_VAR")
	if b, ok := got.(bool); !ok || !b {
		t.Errorf("got %#v", got)
	}
}

func TestExpandEnvVarsInDataLeavesPlainStringsAlone(t *testing.T) {
	got := ExpandEnvVarsInData("no-variables-here")
	if got != "no-variables-here" {
		t.Errorf("got %v", got)
	}
}

func TestExpandEnvVarsInDataRecursesThroughSlices(t *testing.T) {
	t.Setenv("CER_TEST_NS", "fs")
	got := ExpandEnvVarsInData([]interface{}{"${CER_TEST_NS}", "remote"})
	list := got.([]interface{})
	if list[0] != "fs" || list[1] != "remote" {
		t.Errorf("got %v", list)
	}
}
