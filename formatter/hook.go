package formatter

import (
	"fmt"
	"path"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

// CallerHook adds the source file and line the entry was logged from.
type CallerHook struct {
	modulePrefix string
}

// NewCallerHook instantiates a new caller hook
func NewCallerHook() *CallerHook {
	hook := &CallerHook{}
	hook.modulePrefix = hook.moduleName() + "/"
	return hook
}

// Levels set the supported levels for this hook
func (hook CallerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire extends entry.Data with the source information
func (hook CallerHook) Fire(entry *logrus.Entry) error {
	if entry.Caller == nil {
		return nil
	}
	entry.Data["source"] = fmt.Sprintf("%s:%d", hook.trimSrc(entry.Caller.File), entry.Caller.Line)
	return nil
}

func (hook CallerHook) moduleName() string {
	info, ok := debug.ReadBuildInfo()
	if ok && info.Main.Path != "" {
		return info.Main.Path
	}

	return "jamlink"
}

func (hook CallerHook) trimSrc(filePath string) string {
	parts := strings.SplitAfter(filePath, hook.modulePrefix)
	if len(parts) > 1 {
		return parts[len(parts)-1]
	}

	// in case of a forked or renamed checkout
	parts = strings.SplitAfter(filePath, "jamlink/")
	if len(parts) > 1 {
		return parts[len(parts)-1]
	}

	// entry logged from an external package
	_, pkg := path.Split(path.Dir(filePath))
	file := path.Base(filePath)
	return fmt.Sprintf("%s/%s", pkg, file)
}
