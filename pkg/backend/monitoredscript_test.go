package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLogAndClassify(t *testing.T) {
	cases := []struct {
		name       string
		log        string
		wantOK     bool
		wantState  UpdateState
		wantReason string
	}{
		{
			name:   "empty log has no terminal record",
			log:    "",
			wantOK: false,
		},
		{
			name:      "success",
			log:       "start 1000\nbefore 1000 command\nafter 1002 command\nsuccess 1002\n",
			wantOK:    true,
			wantState: Succeeded,
		},
		{
			name:       "failure carries label and exit",
			log:        "start 1000\nbefore 1000 command\nafter 1001 command\nfailure 1001 command 17\n",
			wantOK:     true,
			wantState:  Failed,
			wantReason: "command exited 17",
		},
		{
			name:   "still mid-run",
			log:    "start 1000\nbefore 1000 command\n",
			wantOK: false,
		},
		{
			name:      "a truncated trailing line is not a terminal record",
			log:       "start 1000\nbefore 1000 command\nafter 1001 comm",
			wantOK:    false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			records := ParseLog([]byte(tc.log))
			result, ok := ClassifyLog(records)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.wantState, result.State)
				assert.Equal(t, tc.wantReason, result.Reason)
			}
		})
	}
}

func TestBuildScriptWrapsCommandWithPreamble(t *testing.T) {
	pg := NewPlayground("/tmp/pg1")
	script := BuildScript("echo hi", pg)

	assert.Contains(t, script, "#!/bin/sh")
	assert.Contains(t, script, "echo hi")
	assert.Contains(t, script, pg.LogPath)
	assert.Contains(t, script, "success")
	assert.Contains(t, script, "failure")
}
