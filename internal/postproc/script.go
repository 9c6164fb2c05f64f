package postproc

// User post-processing script execution with the documented SAB_*
// environment.

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-while/go-nzbgrab/internal/config"
	"github.com/go-while/go-nzbgrab/internal/models"
)

// scriptTimeout bounds a runaway user script.
const scriptTimeout = 2 * time.Hour

// stageScript runs the job's user script, if any, with the SAB_*
// environment. scriptLog collects the script's combined output.
func (p *Processor) stageScript(nzo *models.NzbObject, finalDir string, ppOk bool) (stageResult, string) {
	nzo.Mux.RLock()
	script := nzo.Script
	nzo.Mux.RUnlock()
	if script == "" || script == "None" {
		return ok(), ""
	}
	nzo.SetState(models.StateRunningScript)

	path := filepath.Join(p.cfg.PostProc.ScriptDir, script)
	if _, err := os.Stat(path); err != nil {
		return partial("script not found: " + script), ""
	}

	var output strings.Builder
	runner := &toolRunner{
		cmd:     path,
		args:    []string{finalDir},
		dir:     finalDir,
		timeout: scriptTimeout,
		onLine: func(line string) {
			output.WriteString(line)
			output.WriteString("\n")
		},
	}
	env := p.scriptEnv(nzo, finalDir, ppOk)
	runner.env = env

	code, err := runner.run()
	logText := output.String()
	switch {
	case err != nil || code < 0:
		return failed("script died: " + errString(err)), logText
	case code != 0 && p.cfg.PostProc.ScriptCanFail:
		nzo.AppendStageLog("Script", fmt.Sprintf("%s exited %d", script, code))
		return partial(fmt.Sprintf("script exited %d", code)), logText
	case code != 0:
		nzo.AppendStageLog("Script", fmt.Sprintf("%s exited %d", script, code))
		return failed(fmt.Sprintf("script exited %d", code)), logText
	default:
		nzo.AppendStageLog("Script", script+" ok")
		return ok(), logText
	}
}

// scriptEnv builds the documented environment for user scripts.
func (p *Processor) scriptEnv(nzo *models.NzbObject, finalDir string, ppOk bool) []string {
	nzbGz := nzo.NzbGzPath()

	nzo.Mux.RLock()
	defer nzo.Mux.RUnlock()

	ppStatus := "0"
	if !ppOk {
		ppStatus = "1"
	}
	group := ""
	if len(nzo.Files) > 0 && len(nzo.Files[0].Groups) > 0 {
		group = nzo.Files[0].Groups[0]
	}
	programDir, _ := os.Executable()

	env := os.Environ()
	env = append(env,
		"SAB_VERSION="+config.AppVersion,
		"SAB_PROGRAM_DIR="+filepath.Dir(programDir),
		"SAB_PP_STATUS="+ppStatus,
		"SAB_FINAL_NAME="+filepath.Base(finalDir),
		"SAB_ORIG_NZB_GZ="+nzbGz,
		"SAB_COMPLETE_DIR="+finalDir,
		"SAB_NZO_ID="+nzo.ID,
		"SAB_FILENAME="+nzo.Name,
		"SAB_CAT="+nzo.Category,
		fmt.Sprintf("SAB_PP=%d", nzo.PPLevel),
		"SAB_SCRIPT="+nzo.Script,
		"SAB_GROUP="+group,
		"SAB_FAIL_MSG="+nzo.FailMsg,
		"SAB_URL="+nzo.URL,
		fmt.Sprintf("SAB_BYTES_DOWNLOADED=%d", nzo.BytesDownloaded),
		fmt.Sprintf("SAB_BYTES=%d", nzo.TotalBytes),
		"SAB_DURATION="+FormatDuration(nzo.DownloadEnd.Sub(nzo.CreatedAt)),
	)
	return env
}
