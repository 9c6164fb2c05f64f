package postproc

import (
	"testing"
	"time"
)

func TestParsePar2RepairOk(t *testing.T) {
	lines := []string{
		`Loading: "set.par2"`,
		`Verifying: 1 / 12`,
		`Verifying: 12 / 12`,
		`All files are correct, repair is not required.`,
	}
	var out par2Output
	var progress []string
	for _, l := range lines {
		parsePar2Line(l, &out, func(p string) { progress = append(progress, p) })
	}
	if out.result != repairOk {
		t.Errorf("result = %d, want repairOk", out.result)
	}
	if len(progress) == 0 {
		t.Error("no progress reported during verify")
	}
	if out.repaired {
		t.Error("verify-only run flagged as repaired")
	}
}

func TestParsePar2RepairPerformed(t *testing.T) {
	lines := []string{
		`Repair is required.`,
		`Repairing: 100.0%`,
		`Repair complete.`,
	}
	var out par2Output
	for _, l := range lines {
		parsePar2Line(l, &out, func(string) {})
	}
	if out.result != repairOk {
		t.Errorf("result = %d, want repairOk", out.result)
	}
	if !out.repaired {
		t.Error("completed repair not flagged as repaired")
	}
}

func TestParsePar2NeedsBlocks(t *testing.T) {
	lines := []string{
		`Repair is required.`,
		`You have 2 recovery blocks available.`,
		`You need 7 more recovery blocks to be able to repair.`,
		`Repair is not possible.`,
	}
	var out par2Output
	for _, l := range lines {
		parsePar2Line(l, &out, func(string) {})
	}
	if out.result != repairNeedsBlocks {
		t.Errorf("result = %d, want repairNeedsBlocks", out.result)
	}
	if out.needed != 7 {
		t.Errorf("needed = %d, want 7", out.needed)
	}
}

func TestParsePar2DamagedWithoutBlockCount(t *testing.T) {
	var out par2Output
	parsePar2Line(`Repair is not possible.`, &out, func(string) {})
	if out.result != repairDamaged {
		t.Errorf("result = %d, want repairDamaged", out.result)
	}
	if out.lastError == "" {
		t.Error("error line not captured")
	}
}

func TestParsePar2Renames(t *testing.T) {
	lines := []string{
		`File: "aGfT6sq0.part1" - is a match for "My.Release.part01.rar"`,
		`File: "zzK93m.dat" - is a match for "My.Release.part02.rar"`,
	}
	var out par2Output
	for _, l := range lines {
		parsePar2Line(l, &out, func(string) {})
	}
	if len(out.renames) != 2 {
		t.Fatalf("renames = %d, want 2", len(out.renames))
	}
	if out.renames["aGfT6sq0.part1"] != "My.Release.part01.rar" {
		t.Errorf("rename map wrong: %v", out.renames)
	}
}

func TestParsePar2RepairProgress(t *testing.T) {
	var out par2Output
	var got string
	parsePar2Line(`Repairing:  42.7%`, &out, func(p string) { got = p })
	if got != "Repairing 42.7%" {
		t.Errorf("progress = %q", got)
	}
}

func TestParseUnrarProgress(t *testing.T) {
	var st unpackState
	var got []string
	for _, l := range []string{
		`Extracting  My.Release.mkv                                            12%`,
		`...         My.Release.mkv                                            99%`,
		`Extracting  sample.mkv                                                 OK`,
	} {
		parseUnrarLine(l, &st, func(p string) { got = append(got, p) })
	}
	if len(got) < 2 {
		t.Fatalf("progress lines = %v", got)
	}
	if got[0] != "Unpacking My.Release.mkv 12%" {
		t.Errorf("first progress = %q", got[0])
	}
	if st.corrupt || st.badPassword {
		t.Error("clean extraction flagged")
	}
}

func TestParseUnrarCRCError(t *testing.T) {
	var st unpackState
	parseUnrarLine(`My.Release.part03.rar : packed data CRC failed in volume`, &st, func(string) {})
	if !st.corrupt {
		t.Error("CRC failure not detected")
	}
	if st.lastError == "" {
		t.Error("error line not captured")
	}
}

func TestParseUnrarBadPassword(t *testing.T) {
	for _, l := range []string{
		`The specified password is incorrect.`,
		`Corrupt file or wrong password.`,
	} {
		var st unpackState
		parseUnrarLine(l, &st, func(string) {})
		if !st.badPassword {
			t.Errorf("password failure not detected in %q", l)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{59 * time.Second, "00:00:59"},
		{61 * time.Second, "00:01:01"},
		{3*time.Hour + 25*time.Minute + 45*time.Second, "03:25:45"},
		{-5 * time.Second, "00:00:00"},
		{100 * time.Hour, "100:00:00"},
	}
	for _, c := range cases {
		if got := FormatDuration(c.d); got != c.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}
