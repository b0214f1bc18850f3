// Command probe drives a running relay the way a browser client would: it
// waits for both readiness acks, streams a PCM or WAV file as audio_stream
// messages and prints every ui_command it receives.
package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/room4-2/uirelay/messages"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	audioFile string
	origin    string
	chunkSize int
	interval  time.Duration
	waitAfter time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "probe",
	Short: "Stream an audio file through the UI relay and print UI commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProbe()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server", "ws://localhost:8765/ws", "WebSocket server URL")
	rootCmd.Flags().StringVar(&audioFile, "file", "examples/user.pcm", "Audio file to send (16kHz PCM or WAV)")
	rootCmd.Flags().StringVar(&origin, "origin", "", "Origin header to present")
	rootCmd.Flags().IntVar(&chunkSize, "chunk", 3200, "Bytes per audio_stream message (3200 = 100ms at 16kHz)")
	rootCmd.Flags().DurationVar(&interval, "interval", 100*time.Millisecond, "Pause between chunks")
	rootCmd.Flags().DurationVar(&waitAfter, "wait", 30*time.Second, "How long to wait for responses after sending")
}

type clientEnvelope struct {
	Type    string `json:"type"`
	Payload string `json:"payload,omitempty"`
}

func runProbe() error {
	audioData, err := loadAudioFile(audioFile)
	if err != nil {
		return fmt.Errorf("load audio: %w", err)
	}

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}

	log.Printf("🔌 Connecting to %s...", serverURL)
	conn, _, err := websocket.DefaultDialer.Dial(serverURL, header)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	ready := make(chan struct{})
	done := make(chan struct{})
	var audioBytes atomic.Int64

	// Read responses from server
	go func() {
		defer close(done)
		readyClosed := false
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				log.Println("Read error:", err)
				return
			}
			if mt == websocket.BinaryMessage {
				audioBytes.Add(int64(len(data)))
				continue
			}

			var msg map[string]any
			if err := sonic.ConfigStd.Unmarshal(data, &msg); err != nil {
				log.Println("Parse error:", err)
				continue
			}
			switch msg["type"] {
			case messages.TypeServerReady:
				log.Println("📊 Server ready")
			case messages.TypeGeminiReady:
				log.Println("✅ Gemini ready")
				if !readyClosed {
					readyClosed = true
					close(ready)
				}
			case messages.TypeUICommand:
				fmt.Printf("🧩 %s %v (%v) data=%v\n", msg["action"], msg["component_id"], msg["component_type"], msg["data"])
			case messages.TypeError:
				log.Printf("❌ Error: %v: %v", msg["code"], msg["message"])
			default:
				log.Printf("Unknown message: %s", data)
			}
		}
	}()

	select {
	case <-ready:
	case <-done:
		return fmt.Errorf("connection closed before the session was ready")
	case <-time.After(15 * time.Second):
		return fmt.Errorf("timed out waiting for gemini_ready")
	}

	if err := writeEnvelope(conn, clientEnvelope{Type: messages.TypeConnectionTest}); err != nil {
		return err
	}

	log.Printf("📤 Sending audio file: %s", audioFile)
	chunks := splitChunks(audioData, chunkSize)
	for i, chunk := range chunks {
		env := clientEnvelope{Type: messages.TypeAudioStream, Payload: base64.StdEncoding.EncodeToString(chunk)}
		if err := writeEnvelope(conn, env); err != nil {
			return err
		}
		log.Printf("📤 Sent chunk %d/%d (%d bytes)", i+1, len(chunks), len(chunk))
		// Simulate real-time streaming pace
		time.Sleep(interval)
	}
	log.Println("✅ Audio sent, waiting for response...")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	select {
	case <-done:
		log.Println("Connection closed")
	case <-interrupt:
		log.Println("👋 Interrupted, closing...")
	case <-time.After(waitAfter):
		log.Println("⏰ Done waiting")
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	log.Printf("🔊 Received %d bytes of audio", audioBytes.Load())
	return nil
}

func writeEnvelope(conn *websocket.Conn, env clientEnvelope) error {
	data, err := sonic.ConfigStd.Marshal(env)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// loadAudioFile loads PCM or WAV file and returns raw PCM bytes
func loadAudioFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Check if it's a WAV file (starts with "RIFF")
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		// Skip WAV header (44 bytes for standard WAV)
		return data[44:], nil
	}

	// Assume raw PCM
	return data, nil
}

func splitChunks(data []byte, size int) [][]byte {
	if size <= 0 {
		size = len(data)
	}
	var chunks [][]byte
	for i := 0; i < len(data); i += size {
		end := min(i+size, len(data))
		chunks = append(chunks, data[i:end])
	}
	return chunks
}
