package artifact

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseRef(t *testing.T) {
	ref, ok := ParseRef("func\t/out/S1/01/bold.nii.gz\n", "bold")
	if !ok || ref.Kind != "func" || ref.Path != "/out/S1/01/bold.nii.gz" || ref.Group != "bold" {
		t.Fatalf("unexpected ref %+v ok=%v", ref, ok)
	}
	ref, ok = ParseRef("/out/S1/01/anat/T1w.nii.gz", "t1")
	if !ok || ref.Kind != "anat" {
		t.Fatalf("kind should come from parent dir, got %+v", ref)
	}
	for _, line := range []string{"", "   ", "# converter banner"} {
		if _, ok := ParseRef(line, ""); ok {
			t.Fatalf("line %q should be ignored", line)
		}
	}
}

func TestCheckStates(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "T1w.nii.gz")
	if err := os.WriteFile(file, []byte("volume"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(file+".json", []byte(`{"SeriesDescription":"T1w","EchoTime":0.003}`), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := Check(Ref{Path: file, Kind: "anat"})
	if err != nil || res.State != StateReady {
		t.Fatalf("ready check: %+v %v", res, err)
	}
	if res.Size != 6 || res.Meta["SeriesDescription"] != "T1w" || res.Meta["EchoTime"] != "0.003" {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = Check(Ref{Path: filepath.Join(dir, "missing.nii.gz")})
	if err != nil || res.State != StateMissing {
		t.Fatalf("missing check: %+v %v", res, err)
	}

	res, err = Check(Ref{Path: dir})
	if err != nil || res.State != StateInvalid || res.Err == nil {
		t.Fatalf("directory check: %+v %v", res, err)
	}

	if _, err := Check(Ref{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
