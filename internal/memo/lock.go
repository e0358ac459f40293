package memo

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

// The lock folder marks a refresh in progress on a cache file. Its
// layout is fixed: a directory named .lock-<cache stem> next to the
// cache file, a sibling lock-pid file (next to the folder, not inside
// it) holding "<pid>,<create_time>", and batch files inside the folder
// named by the updated cursor of their last row.
//
// A pid alone cannot identify the holder because pids recycle; the
// process create time disambiguates, same trick as psutil.

// lockFolderPath derives the lock folder for a cache file.
func lockFolderPath(cacheFile string) string {
	stem := strings.TrimSuffix(filepath.Base(cacheFile), filepath.Ext(cacheFile))
	return filepath.Join(filepath.Dir(cacheFile), ".lock-"+stem)
}

// lockPidPath is the sibling pid file for a lock folder.
func lockPidPath(lockFolder string) string {
	return filepath.Join(filepath.Dir(lockFolder), "lock-pid")
}

// selfLockStamp captures this process's identity for the pid file.
func selfLockStamp() (string, error) {
	pid := os.Getpid()
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", fmt.Errorf("inspect own process: %w", err)
	}
	createTime, err := p.CreateTime()
	if err != nil {
		return "", fmt.Errorf("read own create time: %w", err)
	}
	return fmt.Sprintf("%d,%d", pid, createTime), nil
}

// writeLockPid claims the pid file exclusively. Failing because the
// file already exists means another claimant beat us to it.
func writeLockPid(path string) error {
	stamp, err := selfLockStamp()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(stamp)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// readLockPid parses the pid file. ok is false when it does not exist.
func readLockPid(path string) (pid int32, createTime int64, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, false, nil
		}
		return 0, 0, false, err
	}
	spid, stime, found := strings.Cut(strings.TrimSpace(string(data)), ",")
	if !found {
		return 0, 0, false, fmt.Errorf("malformed lock-pid file %s: %q", path, data)
	}
	p, err := strconv.ParseInt(spid, 10, 32)
	if err != nil {
		return 0, 0, false, fmt.Errorf("malformed lock-pid file %s: %w", path, err)
	}
	t, err := strconv.ParseInt(stime, 10, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("malformed lock-pid file %s: %w", path, err)
	}
	return int32(p), t, true, nil
}

// lockHolderDead reports whether the pid file names a process that no
// longer exists or was started at a different time (pid reuse). A
// missing pid file also counts as dead: a folder without one is
// abandoned.
func lockHolderDead(pidPath string) bool {
	pid, createTime, ok, err := readLockPid(pidPath)
	if err != nil {
		log.Warn().Err(err).Msg("unreadable lock-pid file, treating holder as dead")
		return true
	}
	if !ok {
		return true
	}
	exists, err := process.PidExists(pid)
	if err != nil || !exists {
		return true
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return true
	}
	t, err := p.CreateTime()
	if err != nil {
		return true
	}
	return t != createTime
}

// batchFiles lists the lock folder's batch files sorted by name, which
// is also sorted by updated cursor.
func batchFiles(lockFolder string) ([]string, error) {
	entries, err := os.ReadDir(lockFolder)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, filepath.Join(lockFolder, e.Name()))
	}
	sort.Strings(names)
	return names, nil
}

// lockFolderLSU is the greatest updated cursor captured in batch
// files, "" when there are none.
func lockFolderLSU(lockFolder string) (string, error) {
	paths, err := batchFiles(lockFolder)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", nil
	}
	_, lsu, err := readBatchFile(paths[len(paths)-1])
	if err != nil {
		return "", err
	}
	return lsu, nil
}
