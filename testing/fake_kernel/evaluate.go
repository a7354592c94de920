package fake_kernel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/scusemua/notebook-gateway/common/jupyter/messaging"
)

var (
	additionPattern = regexp.MustCompile(`^\s*(-?\d+)\s*\+\s*(-?\d+)\s*$`)
	printPattern    = regexp.MustCompile(`^\s*print\((.*)\)\s*$`)
	raisePattern    = regexp.MustCompile(`^\s*raise\s+(\w+)\((?:["'](.*)["'])?\)\s*$`)
)

// Output is one iopub message produced by executing code.
type Output struct {
	MsgType messaging.JupyterMessageType
	Content interface{}
}

// Evaluate runs code line by line. Lines found in results produce an execute_result with that
// value; otherwise integer additions, print(...) and raise Name("value") are recognised, and
// shell escapes ("!...") and imports are accepted silently. Evaluation stops at the first
// failing line, whose error is returned.
func Evaluate(code string, executionCount int, results map[string]string) ([]Output, *messaging.MessageError) {
	var outputs []Output

	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if result, ok := results[line]; ok {
			outputs = append(outputs, executeResult(result, executionCount))
			continue
		}

		if m := additionPattern.FindStringSubmatch(line); m != nil {
			a, _ := strconv.Atoi(m[1])
			b, _ := strconv.Atoi(m[2])
			outputs = append(outputs, executeResult(strconv.Itoa(a+b), executionCount))
			continue
		}

		if m := printPattern.FindStringSubmatch(line); m != nil {
			outputs = append(outputs, Output{
				MsgType: messaging.IOStreamMessage,
				Content: &messaging.MessageStream{Name: "stdout", Text: strings.Trim(m[1], `"'`) + "\n"},
			})
			continue
		}

		if strings.HasPrefix(line, "!") || strings.HasPrefix(line, "import ") {
			continue
		}

		if m := raisePattern.FindStringSubmatch(line); m != nil {
			return outputs, newError(m[1], m[2])
		}

		return outputs, newError("NameError", fmt.Sprintf("name '%s' is not defined", line))
	}

	return outputs, nil
}

func executeResult(text string, executionCount int) Output {
	return Output{
		MsgType: messaging.IOExecuteResultMessage,
		Content: &messaging.MessageExecuteResult{
			ExecutionCount: executionCount,
			Data:           map[string]interface{}{"text/plain": text},
			Metadata:       map[string]interface{}{},
		},
	}
}

func newError(ename string, evalue string) *messaging.MessageError {
	return &messaging.MessageError{
		ErrName:  ename,
		ErrValue: evalue,
		Traceback: []string{
			"\x1b[0;31m---------------------------------------------------------------------------\x1b[0m",
			fmt.Sprintf("\x1b[0;31m%s\x1b[0m: %s", ename, evalue),
		},
	}
}
