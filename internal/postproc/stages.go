package postproc

// The individual post-processing stages. Each returns a stageResult;
// Failed aborts the chain (Finalize always runs), PartialOk records a
// warning and continues.

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-while/go-nzbgrab/internal/models"
)

type stageStatus int

const (
	stageOk stageStatus = iota
	stagePartialOk
	stageFailed
	// stageRetryLater: the job went back to the download queue for extra
	// par2 volumes and will re-enter post-processing when they arrive.
	stageRetryLater
	// stageEncrypted: an archive needs a password the job does not have.
	stageEncrypted
)

type stageResult struct {
	status  stageStatus
	message string
}

func ok() stageResult                { return stageResult{status: stageOk} }
func partial(msg string) stageResult { return stageResult{status: stagePartialOk, message: msg} }
func failed(msg string) stageResult  { return stageResult{status: stageFailed, message: msg} }

// stageRepair runs the par2 tool over each par2 set in the job directory.
func (p *Processor) stageRepair(nzo *models.NzbObject) stageResult {
	jobDir := nzo.AdminDir
	par2Files := findPar2Mains(jobDir)
	if len(par2Files) == 0 {
		return ok()
	}
	nzo.SetState(models.StateVerifying)

	for _, par2 := range par2Files {
		started := time.Now()
		out := &par2Output{result: repairDamaged}
		runner := &toolRunner{
			cmd:  p.cfg.PostProc.Par2Cmd,
			args: []string{"r", "-q", par2},
			dir:  jobDir,
			onLine: func(line string) {
				parsePar2Line(line, out, func(msg string) {
					p.progress(nzo, msg)
					if strings.HasPrefix(msg, "Repairing") {
						nzo.SetState(models.StateRepairing)
					}
				})
			},
		}
		code, err := runner.run()
		if err != nil || code < 0 {
			return failed("par2 tool died: " + errString(err))
		}
		if len(out.renames) > 0 {
			p.applyPar2Renames(nzo, jobDir, out.renames)
		}

		switch out.result {
		case repairOk:
			if out.repaired {
				nzo.AppendStageLog("Repair", "Repaired in "+FormatDuration(time.Since(started)))
			} else {
				nzo.AppendStageLog("Repair", filepath.Base(par2)+": all files verified")
			}

		case repairNeedsBlocks:
			n := p.downloader.FetchExtraPar2(nzo, out.needed)
			if n > 0 {
				log.Printf("[POSTPROC] Job %s needs %d more blocks, fetching %d par2 files", nzo.ID, out.needed, n)
				return stageResult{status: stageRetryLater}
			}
			// no more volumes to fetch: treat as damaged
			fallthrough

		case repairDamaged:
			msg := fmt.Sprintf("%s: unrepairable (%s)", filepath.Base(par2), out.lastError)
			nzo.AppendStageLog("Repair", msg)
			if p.cfg.PostProc.AllowIncomplete {
				return partial(msg)
			}
			return failed(msg)
		}
	}
	return ok()
}

// applyPar2Renames renames obfuscated files to the names par2 discovered
// and records the mapping in the job's rename ledger.
func (p *Processor) applyPar2Renames(nzo *models.NzbObject, jobDir string, renames map[string]string) {
	ledger, err := nzo.LoadMap(models.RenamesFileName)
	if err != nil {
		ledger = make(map[string]string)
	}
	for from, to := range renames {
		safe := models.SanitizeFilename(to)
		src := filepath.Join(jobDir, from)
		dst := filepath.Join(jobDir, safe)
		if err := os.Rename(src, dst); err != nil {
			log.Printf("[POSTPROC] Rename %s -> %s failed: %v", from, safe, err)
			continue
		}
		ledger[from] = safe
		nzo.AppendStageLog("Repair", "Renamed "+from+" to "+safe)
	}
	if err := nzo.SaveMap(models.RenamesFileName, ledger); err != nil {
		log.Printf("[POSTPROC] Failed to save rename ledger for %s: %v", nzo.ID, err)
	}
}

// findPar2Mains returns the base .par2 file of each set (volume files
// excluded) in the directory.
func findPar2Mains(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var mains []string
	for _, e := range entries {
		name := e.Name()
		if !strings.EqualFold(filepath.Ext(name), ".par2") {
			continue
		}
		if models.Par2VolBlocks(name) > 0 {
			continue
		}
		mains = append(mains, filepath.Join(dir, name))
	}
	sort.Strings(mains)
	return mains
}

var reSplitPart = regexp.MustCompile(`^(.+)\.(\d{3})$`)

// stageJoin concatenates numeric split sets (file.001..file.NNN) back
// into single files and removes the parts.
func (p *Processor) stageJoin(nzo *models.NzbObject) stageResult {
	jobDir := nzo.AdminDir
	entries, err := os.ReadDir(jobDir)
	if err != nil {
		return failed("cannot read job dir: " + err.Error())
	}

	sets := make(map[string][]string)
	for _, e := range entries {
		if m := reSplitPart.FindStringSubmatch(e.Name()); m != nil {
			sets[m[1]] = append(sets[m[1]], e.Name())
		}
	}

	joined := 0
	for base, parts := range sets {
		if len(parts) < 2 {
			continue
		}
		sort.Strings(parts)
		if err := joinParts(jobDir, base, parts); err != nil {
			return failed(fmt.Sprintf("join of %s failed: %v", base, err))
		}
		nzo.AppendStageLog("Join", fmt.Sprintf("Joined %d parts into %s", len(parts), base))
		joined++
	}
	if joined > 0 {
		p.progress(nzo, fmt.Sprintf("Joined %d split sets", joined))
	}
	return ok()
}

func joinParts(dir, base string, parts []string) error {
	dst, err := os.Create(filepath.Join(dir, base))
	if err != nil {
		return err
	}
	defer dst.Close()
	for _, part := range parts {
		src, err := os.Open(filepath.Join(dir, part))
		if err != nil {
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if err != nil {
			return err
		}
	}
	if err := dst.Sync(); err != nil {
		return err
	}
	for _, part := range parts {
		os.Remove(filepath.Join(dir, part))
	}
	return nil
}

var (
	reRarFirstVol = regexp.MustCompile(`(?i)\.part0*1\.rar$`)
	reRarVol      = regexp.MustCompile(`(?i)\.(?:part\d+\.rar|r\d{2})$`)
)

// stageUnpack extracts archives found in the job directory, trying the
// password candidates in order.
func (p *Processor) stageUnpack(nzo *models.NzbObject) stageResult {
	if nzo.PPLevel < models.PPUnpack {
		return ok()
	}
	nzo.SetState(models.StateExtracting)
	jobDir := nzo.AdminDir
	passwords := p.passwordCandidates(nzo)

	// repeat until a pass extracts nothing new (nested archives)
	for pass := 0; pass < 3; pass++ {
		archives := findArchives(jobDir)
		if len(archives) == 0 {
			return ok()
		}
		extracted := 0
		for _, arch := range archives {
			res, usedPwd := p.unpackOne(nzo, jobDir, arch, passwords)
			switch res {
			case unpackOk:
				nzo.AppendStageLog("Unpack", "Extracted "+filepath.Base(arch))
				p.markExtracted(jobDir, arch)
				extracted++
				if usedPwd != "" {
					nzo.AppendStageLog("Unpack", "Password accepted for "+filepath.Base(arch))
				}
			case unpackBadPassword:
				nzo.AppendStageLog("Unpack", "Encrypted: "+filepath.Base(arch))
				if p.cfg.PostProc.PauseOnPwRar {
					// the job waits paused for a password; a resume with a
					// new password re-runs the whole chain
					return stageResult{status: stageEncrypted, message: "Encrypted"}
				}
				return partial("archive is encrypted, left unpacked: " + filepath.Base(arch))
			case unpackCorrupt:
				return failed("archive is damaged: " + filepath.Base(arch))
			case unpackToolDied:
				return failed("unpack tool died on " + filepath.Base(arch))
			}
		}
		if extracted == 0 {
			return ok()
		}
	}
	return ok()
}

// unpackOne extracts a single archive, trying each password candidate.
// An empty candidate list still gets one attempt without a password.
func (p *Processor) unpackOne(nzo *models.NzbObject, jobDir, archive string, passwords []string) (unpackResult, string) {
	candidates := append([]string{""}, passwords...)
	var last unpackResult = unpackToolDied
	for _, pwd := range candidates {
		res := p.runExtractor(nzo, jobDir, archive, pwd)
		if res == unpackOk {
			return unpackOk, pwd
		}
		last = res
		if res != unpackBadPassword {
			return res, ""
		}
	}
	return last, ""
}

func (p *Processor) runExtractor(nzo *models.NzbObject, jobDir, archive, pwd string) unpackResult {
	ext := strings.ToLower(filepath.Ext(archive))
	isRar := ext == ".rar" || reRarVol.MatchString(archive)

	var cmd string
	var args []string
	switch {
	case isRar:
		cmd = p.cfg.PostProc.UnrarCmd
		pArg := "-p-"
		if pwd != "" {
			pArg = "-p" + pwd
		}
		args = []string{"x", "-idp", "-o+", pArg, archive, jobDir + string(os.PathSeparator)}
	case ext == ".7z":
		cmd = p.cfg.PostProc.SevenZipCmd
		args = []string{"x", "-y", "-p" + pwd, "-o" + jobDir, archive}
	case ext == ".zip":
		cmd = p.cfg.PostProc.UnzipCmd
		args = []string{"-o", "-P", pwd, archive, "-d", jobDir}
	default:
		return unpackOk // not an archive we handle
	}

	state := &unpackState{}
	runner := &toolRunner{
		cmd: cmd, args: args, dir: jobDir,
		onLine: func(line string) {
			parseUnrarLine(line, state, func(msg string) { p.progress(nzo, msg) })
		},
	}
	code, err := runner.run()
	if err != nil || code < 0 {
		return unpackToolDied
	}
	switch {
	case state.badPassword || code == unrarExitBadPassword:
		return unpackBadPassword
	case state.corrupt || code == unrarExitCRCError:
		return unpackCorrupt
	case code == unrarExitOk || code == unrarExitWarning:
		return unpackOk
	default:
		return unpackCorrupt
	}
}

// markExtracted remembers extracted archives so cleanup can remove them.
func (p *Processor) markExtracted(jobDir, archive string) {
	p.mux.Lock()
	p.extracted[archive] = true
	p.mux.Unlock()
}

// findArchives lists extractable archives; rar volume files other than
// the first are skipped (the tool pulls them in itself).
func findArchives(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		full := filepath.Join(dir, name)
		switch {
		case reRarFirstVol.MatchString(name):
			out = append(out, full)
		case reRarVol.MatchString(name):
			// later volume, consumed by the tool
		case ext == ".rar" || ext == ".7z" || ext == ".zip":
			out = append(out, full)
		}
	}
	sort.Strings(out)
	return out
}

// passwordCandidates returns passwords in precedence order: job-level
// first, then NZB-embedded (stored in attribs), then the global file.
func (p *Processor) passwordCandidates(nzo *models.NzbObject) []string {
	var out []string
	nzo.Mux.RLock()
	jobPwd, nzbPwd := nzo.Password, nzo.NzbPassword
	nzo.Mux.RUnlock()
	if jobPwd != "" {
		out = append(out, jobPwd)
	}
	if nzbPwd != "" && nzbPwd != jobPwd {
		out = append(out, nzbPwd)
	}
	if p.cfg.PostProc.PasswordFile != "" {
		if data, err := os.ReadFile(p.cfg.PostProc.PasswordFile); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				line = strings.TrimSpace(line)
				if line != "" {
					out = append(out, line)
				}
			}
		}
	}
	return out
}

// genericNameRE matches obfuscated file names (hex dumps, long digit
// strings) that carry no human meaning.
var genericNameRE = regexp.MustCompile(`^[0-9a-fA-F.\-_]{16,}$`)

// stageDeobfuscate renames remaining generically-named large files after
// the job's display name.
func (p *Processor) stageDeobfuscate(nzo *models.NzbObject) stageResult {
	if !p.cfg.PostProc.Deobfuscate {
		return ok()
	}
	jobDir := nzo.AdminDir
	nzo.Mux.RLock()
	display := nzo.SanitizedName
	nzo.Mux.RUnlock()

	entries, err := os.ReadDir(jobDir)
	if err != nil {
		return partial("deobfuscate skipped: " + err.Error())
	}
	renamed := 0
	for _, e := range entries {
		if e.IsDir() || e.Name() == models.AdminSubDir {
			continue
		}
		ext := filepath.Ext(e.Name())
		base := strings.TrimSuffix(e.Name(), ext)
		if !genericNameRE.MatchString(base) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() < 10*1024*1024 {
			continue
		}
		newName := models.SanitizeFilename(display) + ext
		if renamed > 0 {
			newName = fmt.Sprintf("%s.%d%s", models.SanitizeFilename(display), renamed, ext)
		}
		if err := os.Rename(filepath.Join(jobDir, e.Name()), filepath.Join(jobDir, newName)); err == nil {
			nzo.AppendStageLog("Deobfuscate", "Renamed "+e.Name()+" to "+newName)
			renamed++
		}
	}
	return ok()
}

// stageCleanup removes consumed archives, par2 files and files matching
// the configured cleanup extension list.
func (p *Processor) stageCleanup(nzo *models.NzbObject) stageResult {
	jobDir := nzo.AdminDir
	entries, err := os.ReadDir(jobDir)
	if err != nil {
		return partial("cleanup skipped: " + err.Error())
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		full := filepath.Join(jobDir, name)
		ext := strings.ToLower(filepath.Ext(name))

		drop := false
		if strings.EqualFold(ext, ".par2") {
			drop = true
		}
		if p.cfg.PostProc.DeleteArchives {
			p.mux.Lock()
			wasExtracted := p.extracted[full]
			p.mux.Unlock()
			if wasExtracted || (reRarVol.MatchString(name) && p.anyExtractedOfSet(jobDir, name)) {
				drop = true
			}
		}
		for _, cext := range p.cfg.PostProc.CleanupList {
			if strings.EqualFold(ext, cext) || strings.EqualFold(ext, "."+strings.TrimPrefix(cext, ".")) {
				drop = true
			}
		}
		if drop {
			if err := os.Remove(full); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		nzo.AppendStageLog("Cleanup", fmt.Sprintf("Removed %d files", removed))
	}
	return ok()
}

// anyExtractedOfSet reports whether the first volume of this rar set was
// extracted, which makes later volumes removable too.
func (p *Processor) anyExtractedOfSet(jobDir, volName string) bool {
	base := reRarVol.ReplaceAllString(volName, "")
	p.mux.Lock()
	defer p.mux.Unlock()
	for path := range p.extracted {
		if strings.HasPrefix(filepath.Base(path), base) {
			return true
		}
	}
	return false
}

// stageMove relocates the assembled tree into the completion directory,
// picking a unique name on collision. The admin subdir stays behind.
func (p *Processor) stageMove(nzo *models.NzbObject, anyFailed bool) (stageResult, string) {
	if p.cfg.PostProc.SafePostproc && anyFailed {
		nzo.AppendStageLog("Move", "Skipped: earlier stage failed")
		return ok(), ""
	}
	nzo.SetState(models.StateMoving)

	nzo.Mux.RLock()
	jobDir := nzo.AdminDir
	name := nzo.SanitizedName
	cat := nzo.Category
	nzo.Mux.RUnlock()

	destBase := p.cfg.Download.CompleteDir
	if cat != "" {
		destBase = filepath.Join(destBase, models.SanitizeFilename(cat))
	}
	dest := uniqueDir(filepath.Join(destBase, name))
	if err := os.MkdirAll(dest, 0755); err != nil {
		return failed("cannot create completion dir: " + err.Error()), ""
	}

	entries, err := os.ReadDir(jobDir)
	if err != nil {
		return failed("cannot read job dir: " + err.Error()), ""
	}
	for _, e := range entries {
		if e.Name() == models.AdminSubDir {
			continue
		}
		src := filepath.Join(jobDir, e.Name())
		dst := filepath.Join(dest, e.Name())
		if err := moveFile(src, dst); err != nil {
			return failed(fmt.Sprintf("move of %s failed: %v", e.Name(), err)), ""
		}
	}
	nzo.AppendStageLog("Move", "Moved to "+dest)
	return ok(), dest
}

// uniqueDir appends .1, .2 ... until the path does not exist.
func uniqueDir(path string) string {
	candidate := path
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s.%d", path, i)
	}
}

// moveFile renames when possible and falls back to copy+delete across
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := os.MkdirAll(dst, info.Mode()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := moveFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		return os.Remove(src)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func errString(err error) string {
	if err == nil {
		return "killed"
	}
	return err.Error()
}
