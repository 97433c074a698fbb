package nodes

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ResolveLocalInput turns an input value that may be an HTTP or object-store
// URL into a local path under the task's work directory. Local paths pass
// through untouched. Downloads are idempotent per task: the target name is
// derived from the URL, and an existing file is reused.
func ResolveLocalInput(ctx context.Context, ec *ExecContext, value string) (string, error) {
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		return value, nil
	}

	sum := md5.Sum([]byte(value))
	base := path.Base(value)
	if base == "" || base == "/" || base == "." {
		base = "input"
	}
	local := filepath.Join(ec.WorkDir, "downloads", hex.EncodeToString(sum[:8])+"_"+base)

	if info, err := os.Stat(local); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
		ec.Log.WithField("url", value).Debug("input already downloaded, reusing")
		return local, nil
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", Resourcef("failed to create download directory: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, value, nil)
	if err != nil {
		return "", Inputf("invalid input URL %q: %v", value, err)
	}
	resp, err := ec.HTTP.Do(req)
	if err != nil {
		return "", Resourcef("failed to download %s: %v", value, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", Resourcef("failed to download %s: status %d", value, resp.StatusCode)
	}

	tmp := local + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return "", Resourcef("failed to create %s: %v", tmp, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return "", Resourcef("failed to write %s: %v", tmp, err)
	}
	if err := out.Close(); err != nil {
		return "", Resourcef("failed to finalize %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, local); err != nil {
		return "", Resourcef("failed to move download into place: %v", err)
	}

	ec.Log.WithField("url", value).WithField("local", local).Info("downloaded input")
	return local, nil
}
