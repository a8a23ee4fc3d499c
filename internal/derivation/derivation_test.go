package derivation

import "testing"

const sample = `Derive([("out","/store/abc-hello","","")],[("/store/dep.drv",["out"])],["/store/src.tar"],"x86_64-linux","/bin/sh",["-e","/store/builder.sh"],[("preferLocalBuild","1"),("requiredSystemFeatures","kvm big-parallel"),("out","/store/abc-hello")])`

func TestParse(t *testing.T) {
	drv, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(drv.Outputs) != 1 || drv.Outputs[0].Path != "/store/abc-hello" {
		t.Fatalf("unexpected outputs: %+v", drv.Outputs)
	}
	if outs, ok := drv.InputDrvs["/store/dep.drv"]; !ok || len(outs) != 1 || outs[0] != "out" {
		t.Fatalf("unexpected inputDrvs: %+v", drv.InputDrvs)
	}
	if drv.Platform != "x86_64-linux" {
		t.Fatalf("unexpected platform: %s", drv.Platform)
	}
	feats := drv.RequiredSystemFeatures()
	if _, ok := feats["kvm"]; !ok {
		t.Fatalf("missing kvm feature: %+v", feats)
	}
	if _, ok := feats["big-parallel"]; !ok {
		t.Fatalf("missing big-parallel feature: %+v", feats)
	}
	if !drv.PreferLocalBuild(map[string]struct{}{"x86_64-linux": {}}) {
		t.Fatalf("expected preferLocalBuild true")
	}
	if drv.PreferLocalBuild(map[string]struct{}{"aarch64-linux": {}}) {
		t.Fatalf("expected preferLocalBuild false for non-local platform")
	}
}

func TestParseEmptyLists(t *testing.T) {
	drv, err := Parse([]byte(`Derive([],[],[],"x86_64-linux","",[],[])`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(drv.Outputs) != 0 || len(drv.InputDrvs) != 0 || len(drv.Env) != 0 {
		t.Fatalf("expected empty derivation, got %+v", drv)
	}
}
