package push

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCM multicasts through Firebase Cloud Messaging. The notification data
// carries the room id so a tap can deep-link into the conversation.
type FCM struct {
	client *messaging.Client
}

// NewFCM initializes the Firebase app from a service-account credentials
// file.
func NewFCM(ctx context.Context, credentialsFile string) (*FCM, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init fcm client: %w", err)
	}
	return &FCM{client: client}, nil
}

func (f *FCM) SendMulticast(ctx context.Context, tokens []string, title, body, roomID string) (Result, error) {
	if len(tokens) == 0 {
		return Result{}, nil
	}

	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: map[string]string{"chat_room_id": roomID},
	}

	resp, err := f.client.SendEachForMulticast(ctx, msg)
	if err != nil {
		return Result{}, fmt.Errorf("fcm multicast: %w", err)
	}
	return Result{SuccessCount: resp.SuccessCount, FailureCount: resp.FailureCount}, nil
}
