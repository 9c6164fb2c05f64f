package web

import (
	"encoding/json"
	"testing"
)

func decodeAddJob(t *testing.T, body string) *addJobRequest {
	t.Helper()
	var req addJobRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("decoding request: %v", err)
	}
	return &req
}

func TestBuildJobWithholdsPar2Volumes(t *testing.T) {
	req := decodeAddJob(t, `{
		"name": "release",
		"files": [
			{"filename": "release.part1.rar", "segments": [
				{"message_id": "<a1@x>", "bytes": 100, "ordinal": 1},
				{"message_id": "<a2@x>", "bytes": 100, "ordinal": 2}
			]},
			{"filename": "set.vol07+08.par2", "segments": [
				{"message_id": "<v2@x>", "bytes": 80, "ordinal": 1}
			]},
			{"filename": "set.par2", "segments": [
				{"message_id": "<p@x>", "bytes": 10, "ordinal": 1}
			]},
			{"filename": "set.vol00+01.par2", "segments": [
				{"message_id": "<v1@x>", "bytes": 20, "ordinal": 1}
			]}
		]
	}`)
	nzo := buildJob(req)

	if len(nzo.Files) != 2 {
		t.Fatalf("active files = %d, want 2 (data + base par2)", len(nzo.Files))
	}
	if len(nzo.ExtraPar2) != 2 {
		t.Fatalf("withheld volumes = %d, want 2", len(nzo.ExtraPar2))
	}
	if nzo.ExtraPar2[0].Filename != "set.vol00+01.par2" {
		t.Errorf("volumes not sorted by block count: %s first", nzo.ExtraPar2[0].Filename)
	}
	if nzo.TotalBytes != 210 {
		t.Errorf("TotalBytes = %d, want 210 (withheld volumes excluded)", nzo.TotalBytes)
	}
	for i, f := range nzo.Files {
		for _, a := range f.Articles {
			if a.FileIndex != i {
				t.Errorf("article %s FileIndex = %d, want %d", a.MessageID, a.FileIndex, i)
			}
		}
	}

	// repair promotion pulls the withheld volumes back into the job
	if n := nzo.PromoteExtraPar2(nzo.CountExtraPar2ForBlocks(1)); n != 1 {
		t.Fatalf("promoted %d volumes for 1 block, want 1", n)
	}
	last := nzo.Files[len(nzo.Files)-1]
	if last.Filename != "set.vol00+01.par2" || last.Articles[0].FileIndex != 2 {
		t.Errorf("promoted volume %s has FileIndex %d, want set.vol00+01.par2 at 2",
			last.Filename, last.Articles[0].FileIndex)
	}
}

func TestBuildJobKeepsOneVolumeWithoutBasePar2(t *testing.T) {
	req := decodeAddJob(t, `{
		"name": "release",
		"files": [
			{"filename": "release.part1.rar", "segments": [
				{"message_id": "<a1@x>", "bytes": 100, "ordinal": 1}
			]},
			{"filename": "set.vol03+04.par2", "segments": [
				{"message_id": "<v2@x>", "bytes": 80, "ordinal": 1}
			]},
			{"filename": "set.vol00+01.par2", "segments": [
				{"message_id": "<v1@x>", "bytes": 20, "ordinal": 1}
			]}
		]
	}`)
	nzo := buildJob(req)

	if len(nzo.Files) != 2 || nzo.Files[1].Filename != "set.vol00+01.par2" {
		t.Fatalf("smallest volume not kept active, files = %d", len(nzo.Files))
	}
	if len(nzo.ExtraPar2) != 1 || nzo.ExtraPar2[0].Filename != "set.vol03+04.par2" {
		t.Errorf("remaining volume not withheld: %+v", nzo.ExtraPar2)
	}
	if !nzo.Files[1].IsPar2 {
		t.Error("kept volume lost its par2 flag")
	}
}

func TestBuildJobPlainJobHasNoExtras(t *testing.T) {
	req := decodeAddJob(t, `{
		"name": "release",
		"files": [
			{"filename": "release.mkv", "segments": [
				{"message_id": "<a1@x>", "bytes": 100, "ordinal": 1}
			]}
		]
	}`)
	nzo := buildJob(req)
	if len(nzo.Files) != 1 || len(nzo.ExtraPar2) != 0 {
		t.Errorf("files=%d extras=%d, want 1/0", len(nzo.Files), len(nzo.ExtraPar2))
	}
	if nzo.TotalBytes != 100 {
		t.Errorf("TotalBytes = %d, want 100", nzo.TotalBytes)
	}
}
