package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	likhon "github.com/likhon-app/likhon"
)

const similarityThreshold = 0.85

type Client struct {
	conn       *websocket.Conn
	audio      io.Reader
	recent     *MessageBuffer
	wg         sync.WaitGroup
	log        *log.Logger
	outputFile *os.File
	bufWriter  *bufio.Writer
}

func main() {
	var serverURL = flag.String("url", "ws://localhost:8081/ws", "WebSocket server URL")
	var token = flag.String("token", "", "Bearer token obtained from /api/auth/login")
	var language = flag.String("language", "", "Language code, e.g. en-US or bn-BD (server default if empty)")
	var outputPath = flag.String("output", "", "Output file path for transcriptions (optional)")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags|log.Lshortfile)

	if *token == "" {
		logger.Println("A token is required: log in via /api/auth/login and pass -token")
		return
	}

	mic, err := NewMicrophoneReader()
	if err != nil {
		logger.Printf("Failed to open microphone: %v\n", err)
		return
	}
	defer mic.Close()

	u, err := url.Parse(*serverURL)
	if err != nil {
		logger.Printf("Invalid server URL: %v\n", err)
		return
	}
	q := u.Query()
	q.Set("token", *token)
	if *language != "" {
		q.Set("language", *language)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		logger.Printf("WebSocket dial failed: %v\n", err)
		return
	}
	defer conn.Close()

	client := &Client{
		conn:   conn,
		audio:  mic,
		recent: NewMessageBuffer(5),
		log:    logger,
	}

	if *outputPath != "" {
		outputFile, err := os.Create(*outputPath)
		if err != nil {
			logger.Printf("Failed to create output file: %v\n", err)
			return
		}
		defer outputFile.Close()

		client.outputFile = outputFile
		client.bufWriter = bufio.NewWriter(outputFile)
		defer client.bufWriter.Flush()
	}

	fmt.Println("Recording... Press Ctrl+C to stop.")
	client.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	client.Close()
	fmt.Println("\nDone.")
}

func (c *Client) Start() {
	c.wg.Add(2)
	go c.reader()
	go c.writer()
}

func (c *Client) reader() {
	defer c.wg.Done()
	var buf bytes.Buffer

	for {
		buf.Reset()

		_, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Printf("WebSocket read error: %v\n", err)
			}
			return
		}

		if _, err := buf.ReadFrom(r); err != nil {
			c.log.Printf("Failed to read from WebSocket reader: %v\n", err)
			continue
		}

		var response likhon.WebSocketResponse
		if err := json.Unmarshal(buf.Bytes(), &response); err != nil {
			c.log.Printf("Failed to unmarshal response: %v\n", err)
			continue
		}

		switch response.Type {
		case likhon.MessageTranscript:
			c.printTranscript(response.Sentence)
		case likhon.MessageBalance:
			fmt.Printf("  (credits remaining: %d)\n", response.Credits)
		case likhon.MessageInsufficientCredits:
			fmt.Println("Out of credits. Purchase more to continue transcribing.")
			return
		case likhon.MessageBillingError:
			fmt.Printf("Session ended: %s\n", response.Error)
			return
		}
	}
}

// printTranscript writes a final sentence to stdout and the output file,
// skipping near-duplicates the provider occasionally re-emits.
func (c *Client) printTranscript(sentence string) {
	if sentence == "" || c.recent.IsSimilar(sentence, similarityThreshold) {
		return
	}
	c.recent.Add(sentence)

	timestamp := time.Now().Format("15:04:05")
	line := fmt.Sprintf("[%s] %s\n", timestamp, sentence)

	fmt.Print(line)

	if c.bufWriter != nil {
		if _, err := c.bufWriter.WriteString(line); err != nil {
			c.log.Printf("Failed to write to output file: %v\n", err)
		} else {
			c.bufWriter.Flush()
		}
	}
}

func (c *Client) writer() {
	defer c.wg.Done()
	frame := make([]byte, framesPerBuffer*2)

	for {
		n, err := c.audio.Read(frame)
		if err != nil {
			c.log.Printf("Audio read error: %v\n", err)
			break
		}

		request := likhon.WebSocketRequest{
			Buf: frame[:n],
		}

		if err := c.conn.WriteJSON(request); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.log.Printf("WebSocket write error: %v\n", err)
			}
			return
		}
	}
}

func (c *Client) Close() {
	c.log.Println("Closing client...")
	if c.conn != nil {
		c.conn.Close()
	}
	c.wg.Wait()
}
