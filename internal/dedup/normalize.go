package dedup

import (
	"os"
	"regexp"
	"strings"
)

type rewrite struct {
	re   *regexp.Regexp
	repl string
}

// Order matters: paths and timestamps go before the generic hex and number rewrites that
// would otherwise eat parts of them.
var rewrites = []rewrite{
	{compile(`\x1b\[[0-9;?]*[ -/]*[@-~]`), ""},
	{compile(`{{TMP}}/[^\s:'"()]+`), "TMPFILE"},
	{compile(`\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?`), "TIME"},
	{compile(`\b\d{2}:\d{2}:\d{2}(?:[.,]\d+)?\b`), "TIME"},
	{compile(`==\d+==`), "==PID=="},
	{compile(`(?i)\b(pid|tid|thread|process)([ =:#]*)\d+`), "${1}${2}N"},
	{compile(`{{ADDR}}`), "ADDR"},
	{compile(`\b[0-9a-fA-F]{8,}\b`), "ADDR"},
	{compile(`\b\d{5,}\b`), "N"},
	{compile(`[ \t]+`), " "},
}

func compile(re string) *regexp.Regexp {
	re = strings.ReplaceAll(re, "{{ADDR}}", `\b0[xX][0-9a-fA-F]+\b`)
	re = strings.ReplaceAll(re, "{{TMP}}", tempDirs())
	return regexp.MustCompile(re)
}

func tempDirs() string {
	dirs := []string{regexp.QuoteMeta("/tmp"), regexp.QuoteMeta("/var/tmp")}
	if tmp := strings.TrimSuffix(os.TempDir(), "/"); tmp != "" && tmp != "/tmp" && tmp != "/var/tmp" {
		dirs = append(dirs, regexp.QuoteMeta(tmp))
	}
	return "(?:" + strings.Join(dirs, "|") + ")"
}

// Normalize removes the parts of crash output that change from run to run: terminal escapes,
// addresses, timestamps, process and thread ids, temp file paths and long numbers.
func Normalize(s string) string {
	for _, r := range rewrites {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
