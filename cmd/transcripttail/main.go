// Transcript tail prints transcripts and session summaries published to Kafka.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"live-transcription-service/internal/models"
)

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// format renders one published event as a log line.
func format(value []byte) (string, error) {
	var head struct {
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(value, &head); err != nil {
		return "", err
	}

	switch head.EventType {
	case models.EventTypeTranscriptPartial:
		var ev models.TranscriptPartial
		if err := json.Unmarshal(value, &ev); err != nil {
			return "", err
		}
		return "partial " + ev.SessionID + " " + truncate(ev.Text, 60), nil
	case models.EventTypeTranscriptFinal:
		var ev models.TranscriptFinal
		if err := json.Unmarshal(value, &ev); err != nil {
			return "", err
		}
		return "FINAL   " + ev.SessionID + " " + truncate(ev.Text, 60) +
			" @" + (time.Duration(ev.AudioOffsetMs) * time.Millisecond).String(), nil
	case models.EventTypeSessionSummary:
		var ev models.SessionSummary
		if err := json.Unmarshal(value, &ev); err != nil {
			return "", err
		}
		stats, _ := json.Marshal(ev.Stats)
		return "summary " + ev.SessionID + " reason=" + ev.Reason + " " + string(stats), nil
	default:
		return "unknown " + head.EventType, nil
	}
}

func consume(ctx context.Context, brokers []string, topic string, since time.Duration) {
	// Partition reader without a consumer group; fine for a single-partition dev topic.
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffsetAt(ctx, time.Now().Add(-since)); err != nil {
		log.Printf("Failed to seek %s: %v", topic, err)
	}
	log.Printf("Consuming from Kafka topic: %s partition 0 (last %s)", topic, since)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Kafka read error on %s: %v", topic, err)
			time.Sleep(time.Second)
			continue
		}

		line, err := format(msg.Value)
		if err != nil {
			log.Printf("JSON unmarshal error on %s: %v", topic, err)
			continue
		}
		log.Println(line)
	}
}

func main() {
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topics := flag.String("topics", "live.transcript.partial,live.transcript.final,live.session.summary", "Topics to tail (comma-separated)")
	since := flag.Duration("since", time.Hour, "Replay messages newer than this")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, topic := range strings.Split(*topics, ",") {
		if topic = strings.TrimSpace(topic); topic == "" {
			continue
		}
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			consume(ctx, strings.Split(*brokers, ","), topic, *since)
		}(topic)
	}
	wg.Wait()
}
