package runtimes

import "fmt"

// Dockerfile renders the build file for a runtime image. The build context
// is laid out by the packager: code/ holds the extracted archive and the
// bootstrap sits next to it.
func Dockerfile(info Info) string {
	cmd := `CMD ["node", "/var/runtime/bootstrap.js"]`
	if info.Family == "python" {
		cmd = `CMD ["python", "/var/runtime/bootstrap.py"]`
	}
	file, _ := Bootstrap(info.Family)
	return fmt.Sprintf(`FROM %s
WORKDIR /var/task
COPY code/ /var/task/
COPY %s /var/runtime/%s
%s
`, info.BaseImage, file, file, cmd)
}

// ImageTag returns the cache key tag for a (runtime, code-hash) pair.
func ImageTag(prefix string, info Info, codeHash string) string {
	short := codeHash
	if len(short) > 16 {
		short = short[:16]
	}
	return fmt.Sprintf("%s-%s:%s", prefix, info.Runtime, short)
}
