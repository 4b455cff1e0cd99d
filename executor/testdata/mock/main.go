//go:build wasip1

// Mock interpreter for testing the session protocol without a real Python
// runtime. The executor tests build it with GOOS=wasip1 GOARCH=wasm.
//
// Commands (the exec code):
//
//	raise:<msg>          error frame
//	stderr:<text>        text on stderr
//	set:<key>=<value>    remember a value for this process
//	get:<key>            print a remembered value
//	call:<fn> <json>     host call, prints the response
//	env:<name>           print an environment variable
//	spin                 never finish
//	exit                 stop the interpreter
//	anything else        echoed to stdout
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

func main() {
	fmt.Fprint(os.Stderr, "\x00PYRUN_READY\x00")

	state := map[string]string{}
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)

	for scanner.Scan() {
		var cmd struct {
			Type string `json:"type"`
			Code string `json:"code"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			continue
		}
		if cmd.Type == "exit" {
			return
		}
		if cmd.Type != "exec" {
			continue
		}

		code := cmd.Code
		switch {
		case code == "spin":
			for {
			}
		case code == "exit":
			os.Exit(3)
		case strings.HasPrefix(code, "raise:"):
			fmt.Fprintf(os.Stderr, "\x00PYRUN_ERROR:%s\x00", strings.TrimPrefix(code, "raise:"))
			continue
		case strings.HasPrefix(code, "stderr:"):
			fmt.Fprint(os.Stderr, strings.TrimPrefix(code, "stderr:"))
		case strings.HasPrefix(code, "set:"):
			k, v, _ := strings.Cut(strings.TrimPrefix(code, "set:"), "=")
			state[k] = v
		case strings.HasPrefix(code, "get:"):
			fmt.Println(state[strings.TrimPrefix(code, "get:")])
		case strings.HasPrefix(code, "env:"):
			fmt.Println(os.Getenv(strings.TrimPrefix(code, "env:")))
		case strings.HasPrefix(code, "call:"):
			fn, args, _ := strings.Cut(strings.TrimPrefix(code, "call:"), " ")
			if args == "" {
				args = "{}"
			}
			fmt.Fprintf(os.Stderr, "\x00PYRUN:{\"fn\":%q,\"args\":%s}\x00", fn, args)
			if !scanner.Scan() {
				return
			}
			fmt.Println(scanner.Text())
		default:
			fmt.Print(code)
		}
		fmt.Fprint(os.Stderr, "\x00PYRUN_DONE\x00")
	}
}
