package pull

import "syscall"

// diskTelemetry returns best-effort free/total bytes for the filesystem
// holding path. Failures yield nil rather than an error: disk figures only
// decorate progress payloads.
func diskTelemetry(path string) map[string]any {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return nil
	}
	blockSize := uint64(st.Bsize)
	return map[string]any{
		"disk_free_bytes":  st.Bavail * blockSize,
		"disk_total_bytes": st.Blocks * blockSize,
	}
}
