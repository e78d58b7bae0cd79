package deepgram

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"

	"github.com/likhon-app/likhon/providers"
)

// fakeWriter is a hand-rolled dgWriter recording writes and stops.
type fakeWriter struct {
	written  [][]byte
	writeErr error
	stopped  bool
}

func (f *fakeWriter) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, p)
	return len(p), nil
}

func (f *fakeWriter) Stop() {
	f.stopped = true
}

// createTestSession creates a minimal session for testing
func createTestSession() (*Session, *ChannelHandler) {
	channelHandler := NewChannelHandler()
	session := &Session{
		ctx:            context.Background(),
		channelHandler: channelHandler,
	}
	return session, channelHandler
}

func TestDeepgramLanguage(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"bn-BD", "bn"},
		{"bn-IN", "bn"},
		{"", "en-US"},
		{"en-US", "en-US"},
		{"es", "es"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, deepgramLanguage(tt.code))
		})
	}
}

func TestSession_ProcessMessage(t *testing.T) {
	tests := []struct {
		name           string
		messageResp    *api.MessageResponse
		expectResult   bool
		expectedResult providers.TranscriptionResult
	}{
		{
			name: "final result with valid transcript",
			messageResp: &api.MessageResponse{
				IsFinal: true,
				Channel: api.Channel{
					Alternatives: []api.Alternative{
						{
							Transcript: "hello world",
							Confidence: 0.95,
						},
					},
				},
			},
			expectResult: true,
			expectedResult: providers.TranscriptionResult{
				Text:         "hello world",
				IsFinal:      true,
				Confidence:   0.95,
				ProviderName: "deepgram",
			},
		},
		{
			name: "final result with whitespace trimming",
			messageResp: &api.MessageResponse{
				IsFinal: true,
				Channel: api.Channel{
					Alternatives: []api.Alternative{
						{
							Transcript: "  hello world  ",
							Confidence: 0.9,
						},
					},
				},
			},
			expectResult: true,
			expectedResult: providers.TranscriptionResult{
				Text:         "hello world",
				IsFinal:      true,
				Confidence:   0.9,
				ProviderName: "deepgram",
			},
		},
		{
			name: "non-final result - should not return",
			messageResp: &api.MessageResponse{
				IsFinal: false,
				Channel: api.Channel{
					Alternatives: []api.Alternative{
						{
							Transcript: "hello",
							Confidence: 0.8,
						},
					},
				},
			},
			expectResult: false,
		},
		{
			name: "empty alternatives - should not return",
			messageResp: &api.MessageResponse{
				IsFinal: true,
				Channel: api.Channel{
					Alternatives: []api.Alternative{},
				},
			},
			expectResult: false,
		},
		{
			name: "empty transcript after trimming - should not return",
			messageResp: &api.MessageResponse{
				IsFinal: true,
				Channel: api.Channel{
					Alternatives: []api.Alternative{
						{
							Transcript: "   ",
							Confidence: 0.5,
						},
					},
				},
			},
			expectResult: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, _ := createTestSession()

			result := session.processMessage(tt.messageResp)

			if tt.expectResult {
				assert.NotNil(t, result)
				assert.Equal(t, tt.expectedResult.Text, result.Text)
				assert.Equal(t, tt.expectedResult.IsFinal, result.IsFinal)
				assert.Equal(t, tt.expectedResult.Confidence, result.Confidence)
				assert.Equal(t, tt.expectedResult.ProviderName, result.ProviderName)
				// Check that ReceivedAt is set and recent
				assert.True(t, result.ReceivedAt.After(time.Now().Add(-time.Second)))
				assert.True(t, result.ReceivedAt.Before(time.Now().Add(time.Second)))
			} else {
				assert.Nil(t, result)
			}
		})
	}
}

func TestSession_ReceiveTranscription_MessageChannel(t *testing.T) {
	session, channelHandler := createTestSession()

	go func() {
		time.Sleep(10 * time.Millisecond) // Small delay to ensure ReceiveTranscription is waiting
		channelHandler.messageChan <- &api.MessageResponse{
			IsFinal: true,
			Channel: api.Channel{
				Alternatives: []api.Alternative{
					{
						Transcript: "hello world",
						Confidence: 0.95,
					},
				},
			},
		}
	}()

	result, err := session.ReceiveTranscription()
	assert.NoError(t, err)
	assert.Equal(t, "hello world", result.Text)
	assert.True(t, result.IsFinal)
	assert.Equal(t, float32(0.95), result.Confidence)
	assert.Equal(t, "deepgram", result.ProviderName)
}

func TestSession_ReceiveTranscription_SkipNonFinal(t *testing.T) {
	session, channelHandler := createTestSession()

	go func() {
		time.Sleep(10 * time.Millisecond)
		// Send a non-final message first
		channelHandler.messageChan <- &api.MessageResponse{
			IsFinal: false,
			Channel: api.Channel{
				Alternatives: []api.Alternative{
					{
						Transcript: "hello",
						Confidence: 0.8,
					},
				},
			},
		}
		// Then send a final message
		channelHandler.messageChan <- &api.MessageResponse{
			IsFinal: true,
			Channel: api.Channel{
				Alternatives: []api.Alternative{
					{
						Transcript: "hello world",
						Confidence: 0.95,
					},
				},
			},
		}
	}()

	result, err := session.ReceiveTranscription()
	assert.NoError(t, err)
	assert.Equal(t, "hello world", result.Text) // Should get the final message, not the non-final
	assert.True(t, result.IsFinal)
}

func TestSession_ReceiveTranscription_ErrorChannel(t *testing.T) {
	session, channelHandler := createTestSession()

	go func() {
		time.Sleep(10 * time.Millisecond)
		channelHandler.errorChan <- &api.ErrorResponse{
			Type:        "error",
			Description: "test error",
		}
	}()

	_, err := session.ReceiveTranscription()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "test error")
}

func TestSession_ReceiveTranscription_CloseChannel(t *testing.T) {
	session, channelHandler := createTestSession()

	go func() {
		time.Sleep(10 * time.Millisecond)
		channelHandler.closeChan <- &api.CloseResponse{}
	}()

	_, err := session.ReceiveTranscription()
	assert.Error(t, err)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSession_ReceiveTranscription_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	channelHandler := NewChannelHandler()
	session := &Session{
		ctx:            ctx,
		channelHandler: channelHandler,
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := session.ReceiveTranscription()
	assert.Error(t, err)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSession_ReceiveTranscription_ContextTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	channelHandler := NewChannelHandler()
	session := &Session{
		ctx:            ctx,
		channelHandler: channelHandler,
	}

	_, err := session.ReceiveTranscription()
	assert.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSession_ReceiveTranscription_ConsumeOtherChannels(t *testing.T) {
	session, channelHandler := createTestSession()

	// Other channel events are consumed but don't affect the result.
	go func() {
		time.Sleep(10 * time.Millisecond)
		channelHandler.openChan <- &api.OpenResponse{}
		channelHandler.metadataChan <- &api.MetadataResponse{}
		channelHandler.speechStartedChan <- &api.SpeechStartedResponse{}
		channelHandler.utteranceEndChan <- &api.UtteranceEndResponse{}
		unhandledData := []byte("test")
		channelHandler.unhandledChan <- &unhandledData

		time.Sleep(10 * time.Millisecond)
		channelHandler.messageChan <- &api.MessageResponse{
			IsFinal: true,
			Channel: api.Channel{
				Alternatives: []api.Alternative{
					{
						Transcript: "hello world",
						Confidence: 0.95,
					},
				},
			},
		}
	}()

	result, err := session.ReceiveTranscription()
	assert.NoError(t, err)
	assert.Equal(t, "hello world", result.Text)
}

func TestSession_SendAudio(t *testing.T) {
	t.Run("successful send", func(t *testing.T) {
		writer := &fakeWriter{}
		session := &Session{
			ctx:    context.Background(),
			client: writer,
		}

		err := session.SendAudio([]byte("test audio data"))
		assert.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("test audio data")}, writer.written)
	})

	t.Run("write error", func(t *testing.T) {
		writer := &fakeWriter{writeErr: errors.New("write failed")}
		session := &Session{
			ctx:    context.Background(),
			client: writer,
		}

		err := session.SendAudio([]byte("test audio data"))
		assert.EqualError(t, err, "write failed")
	})
}

func TestSession_Close(t *testing.T) {
	t.Run("stops the client", func(t *testing.T) {
		writer := &fakeWriter{}
		session := &Session{
			ctx:            context.Background(),
			client:         writer,
			channelHandler: NewChannelHandler(),
		}

		assert.NoError(t, session.Close())
		assert.True(t, writer.stopped)
	})

	t.Run("nil client", func(t *testing.T) {
		session := &Session{
			ctx:            context.Background(),
			channelHandler: NewChannelHandler(),
		}

		assert.NoError(t, session.Close())
	})
}
