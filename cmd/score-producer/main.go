// Command score-producer publishes synthetic score-update messages to the
// reconciliation topic. Useful for exercising the consumer and watching the
// leaderboard converge under load.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// ScoreUpdate mirrors the reconciliation message consumed by the server
type ScoreUpdate struct {
	UserID         string `json:"userId"`
	QuizID         string `json:"quizId"`
	Score          int    `json:"score"`
	ScoreIncrement int    `json:"scoreIncrement"`
}

func main() {
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "score-updates", "Kafka topic")
	quizID := flag.String("quiz", "", "Quiz ID (random UUID if empty)")
	totalUsers := flag.Int("users", 100, "Number of distinct users")
	updatesPerSecond := flag.Int("rate", 50, "Updates per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	brokerList := strings.Split(*brokers, ",")

	quiz := *quizID
	if quiz == "" {
		quiz = uuid.New().String()
	}

	users := make([]string, *totalUsers)
	for i := range users {
		users[i] = uuid.New().String()
	}

	fmt.Printf("publishing score updates: brokers=%s topic=%s quiz=%s users=%d rate=%d/s\n",
		*brokers, *topic, quiz, *totalUsers, *updatesPerSecond)

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("failed to create producer: %v", err)
	}
	defer producer.Close()

	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("producer error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	interval := time.Second / time.Duration(*updatesPerSecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	shutdown := func() {
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("done. sent: %d, errors: %d\n",
			atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	for {
		select {
		case <-sigChan:
			fmt.Println("\nshutting down...")
			shutdown()
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				fmt.Println("duration reached, shutting down...")
				shutdown()
				return
			}

			update := ScoreUpdate{
				UserID:         users[rand.Intn(len(users))],
				QuizID:         quiz,
				Score:          rand.Intn(100),
				ScoreIncrement: rand.Intn(15),
			}
			data, err := json.Marshal(update)
			if err != nil {
				log.Printf("failed to marshal message: %v", err)
				continue
			}
			producer.Input() <- &sarama.ProducerMessage{
				Topic: *topic,
				Key:   sarama.StringEncoder(update.UserID),
				Value: sarama.ByteEncoder(data),
			}

		case <-statsTicker.C:
			fmt.Printf("[%s] sent: %d | errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
