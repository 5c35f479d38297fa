// codebridge-cli is a terminal client: it runs a program through the
// server's sandbox with the same websocket protocol the editor uses, so
// interactive stdin works from the shell.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"codebridge/internal/protocol"
	"codebridge/internal/session"
)

var (
	serverURL string
	language  string
)

func main() {
	root := &cobra.Command{
		Use:   "codebridge-cli",
		Short: "CLI client for codebridge",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:3006", "Server URL")

	runCmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run a source file in the sandbox, wiring your terminal to its stdin/stdout",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVarP(&language, "language", "l", "", "Language (python, cpp, java; auto-detected from extension)")
	root.AddCommand(runCmd)

	reviewCmd := &cobra.Command{
		Use:   "review [file]",
		Short: "Ask the server's code reviewer for a critique",
		Args:  cobra.ExactArgs(1),
		RunE:  runReview,
	}
	reviewCmd.Flags().StringVarP(&language, "language", "l", "", "Language hint")
	root.AddCommand(reviewCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func detectLanguage(path string) string {
	switch filepath.Ext(path) {
	case ".py":
		return "python"
	case ".cpp", ".cc", ".cxx":
		return "cpp"
	case ".java":
		return "java"
	}
	return ""
}

func runRun(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	lang := language
	if lang == "" {
		lang = detectLanguage(args[0])
	}
	if lang == "" {
		return fmt.Errorf("cannot detect language of %s, pass --language", args[0])
	}

	wsURL := strings.Replace(serverURL, "http", "ws", 1) + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", wsURL, err)
	}
	defer ws.Close()

	socketID, err := awaitSocketID(ws)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{
		"code":     string(code),
		"language": lang,
		"socketId": socketID,
	})
	resp, err := http.Post(serverURL+"/run", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submitting run: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server rejected run: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	// Terminal -> program stdin.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			env := protocol.NewEnvelope(protocol.EventProgramInput, protocol.ProgramInputPayload{Text: scanner.Text()})
			if err := ws.WriteJSON(env); err != nil {
				return
			}
		}
	}()

	// Program output -> terminal, until a terminal notice arrives.
	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
		if env.Event != protocol.EventProgramOutput {
			continue
		}
		var p protocol.ProgramOutputPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			continue
		}
		fmt.Print(p.Output)
		if p.Output == session.ExecutionCompleteNotice {
			return nil
		}
		if strings.Contains(p.Output, "Time Limit Exceeded") {
			return fmt.Errorf("run exceeded the time limit")
		}
	}
}

func runReview(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	lang := language
	if lang == "" {
		lang = detectLanguage(args[0])
	}

	body, _ := json.Marshal(map[string]string{"code": string(code), "language": lang})
	resp, err := httpClient().Post(serverURL+"/review", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("review failed: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out struct {
		Review string `json:"review"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	fmt.Println(out.Review)
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	resp, err := httpClient().Get(serverURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(msg)))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server is %s", resp.Status)
	}
	return nil
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}

func awaitSocketID(ws *websocket.Conn) (string, error) {
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer ws.SetReadDeadline(time.Time{})

	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return "", fmt.Errorf("waiting for connection id: %w", err)
		}
		if env.Event != protocol.EventConnected {
			continue
		}
		var p protocol.ConnectedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return "", err
		}
		return p.SocketID, nil
	}
}
