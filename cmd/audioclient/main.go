package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/service/audio"
)

// Stream audio in 100ms chunks to simulate real-time capture.
const chunkIntervalMs = 100

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func main() {
	audioFile := flag.String("audio", "../../testdata/sample-16khz.wav", "Path to WAV file (16-bit PCM)")
	serverURL := flag.String("server", "ws://localhost:8080/v1/stream", "WebSocket endpoint")
	sessionID := flag.String("session", "test-audio-"+time.Now().Format("150405"), "Session ID")
	realtime := flag.Bool("realtime", true, "Pace chunks at capture speed")
	flag.Parse()

	data, err := os.ReadFile(*audioFile)
	if err != nil {
		log.Fatalf("Failed to read audio file: %v", err)
	}
	pcm, sampleRate, err := audio.DecodeWAV(data)
	if err != nil {
		log.Fatalf("Not a usable WAV file: %v", err)
	}
	log.Printf("WAV file: sampleRate=%d bytes=%d", sampleRate, len(pcm))

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("Connected to %s", *serverURL)

	ended := make(chan struct{})
	go readEvents(conn, ended)

	send(conn, models.EventJoinSession, models.JoinSessionPayload{SessionID: *sessionID, SampleRate: sampleRate})

	chunkSize := sampleRate * 2 * chunkIntervalMs / 1000
	var chunkNum int
	startTime := time.Now()

	for off := 0; off < len(pcm); off += chunkSize {
		end := off + chunkSize
		if end > len(pcm) {
			end = len(pcm)
		}
		chunkNum++
		send(conn, models.EventAudioChunk, models.AudioChunkPayload{
			SessionID:    *sessionID,
			AudioDataB64: base64.StdEncoding.EncodeToString(pcm[off:end]),
			IsFinalChunk: end == len(pcm),
			MimeType:     "audio/pcm",
			TSClient:     time.Now().UnixMilli(),
		})

		if chunkNum%10 == 0 {
			log.Printf("Sent chunk %d (%d bytes total)", chunkNum, end)
		}
		if *realtime {
			time.Sleep(chunkIntervalMs * time.Millisecond)
		}
	}

	log.Printf("Finished streaming: %d chunks in %v", chunkNum, time.Since(startTime))
	log.Println("Ending stream, waiting for final transcripts...")
	send(conn, models.EventEndOfStream, models.EndOfStreamPayload{SessionID: *sessionID})

	select {
	case <-ended:
	case <-time.After(30 * time.Second):
		log.Fatal("Timed out waiting for stream_ended")
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func send(conn *websocket.Conn, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Fatalf("Failed to encode %s: %v", event, err)
	}
	if err := conn.WriteJSON(models.Envelope{Event: event, Data: raw}); err != nil {
		log.Fatalf("Failed to send %s: %v", event, err)
	}
}

// readEvents prints server events until stream_ended or the connection drops.
func readEvents(conn *websocket.Conn, ended chan<- struct{}) {
	defer close(ended)
	for {
		var ev inbound
		if err := conn.ReadJSON(&ev); err != nil {
			log.Printf("Connection closed: %v", err)
			return
		}

		switch ev.Event {
		case models.EventInterimTranscript, models.EventFinalTranscript:
			var tr models.Transcript
			if err := json.Unmarshal(ev.Data, &tr); err == nil {
				kind := "partial"
				if tr.IsFinal {
					kind = "FINAL"
				}
				log.Printf("[%s] %q confidence=%.2f latency=%dms", kind, tr.Text, tr.Confidence, tr.LatencyMs)
			}
		case models.EventError:
			var e models.ErrorEvent
			if err := json.Unmarshal(ev.Data, &e); err == nil {
				log.Printf("error %s: %s (%s)", e.Type, e.Message, e.Hint)
			}
		case models.EventStreamEnded:
			var se models.StreamEnded
			if err := json.Unmarshal(ev.Data, &se); err == nil {
				log.Printf("Stream completed: session=%s stats=%+v", se.SessionID, se.FinalStats)
			}
			return
		case models.EventJoinedSession:
			log.Printf("Joined: %s", ev.Data)
		}
	}
}
