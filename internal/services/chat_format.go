package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/huangang/swarmhub/internal/config"
)

// chatFormat shapes one part of a notification for the incoming webhook of
// a chat platform.
type chatFormat interface {
	payload(humanID uint, text string, part, parts int) interface{}
	endpoint(base string) string
}

func newChatFormat(cfg *config.NotifyConfig) chatFormat {
	switch cfg.Format {
	case "slack":
		return slackFormat{}
	case "discord":
		return discordFormat{}
	case "teams":
		return teamsFormat{}
	case "telegram":
		return telegramFormat{chatID: cfg.ChatID}
	case "wechat_work":
		return wecomFormat{}
	case "dingtalk":
		return dingtalkFormat{secret: cfg.Secret}
	case "feishu":
		return feishuFormat{secret: cfg.Secret}
	default:
		return genericFormat{}
	}
}

// numbered prefixes a part of a split message with its position.
func numbered(text string, part, parts int) string {
	if parts <= 1 {
		return text
	}
	return fmt.Sprintf("[%d/%d] %s", part, parts, text)
}

type webhookMessage struct {
	HumanID uint   `json:"human_id"`
	Text    string `json:"text"`
	Part    int    `json:"part,omitempty"`
	Parts   int    `json:"parts,omitempty"`
}

type genericFormat struct{}

func (genericFormat) payload(humanID uint, text string, part, parts int) interface{} {
	msg := webhookMessage{HumanID: humanID, Text: text}
	if parts > 1 {
		msg.Part = part
		msg.Parts = parts
	}
	return msg
}

func (genericFormat) endpoint(base string) string { return base }

type slackFormat struct{}

func (slackFormat) payload(_ uint, text string, part, parts int) interface{} {
	return map[string]interface{}{"text": numbered(text, part, parts)}
}

func (slackFormat) endpoint(base string) string { return base }

type discordFormat struct{}

func (discordFormat) payload(_ uint, text string, part, parts int) interface{} {
	return map[string]interface{}{"content": numbered(text, part, parts)}
}

func (discordFormat) endpoint(base string) string { return base }

type teamsFormat struct{}

func (teamsFormat) payload(_ uint, text string, part, parts int) interface{} {
	return map[string]interface{}{
		"type": "message",
		"attachments": []map[string]interface{}{
			{
				"contentType": "application/vnd.microsoft.card.adaptive",
				"content": map[string]interface{}{
					"type":    "AdaptiveCard",
					"$schema": "http://adaptivecards.io/schemas/adaptive-card.json",
					"version": "1.5",
					"body": []map[string]interface{}{
						{"type": "TextBlock", "text": numbered(text, part, parts), "wrap": true},
					},
				},
			},
		},
	}
}

func (teamsFormat) endpoint(base string) string { return base }

type telegramFormat struct {
	chatID string
}

func (f telegramFormat) payload(_ uint, text string, part, parts int) interface{} {
	return map[string]interface{}{
		"chat_id": f.chatID,
		"text":    numbered(text, part, parts),
	}
}

func (telegramFormat) endpoint(base string) string { return base }

type wecomFormat struct{}

func (wecomFormat) payload(_ uint, text string, part, parts int) interface{} {
	return map[string]interface{}{
		"msgtype": "text",
		"text":    map[string]string{"content": numbered(text, part, parts)},
	}
}

func (wecomFormat) endpoint(base string) string { return base }

// dingtalkFormat signs the URL when the robot has a secret.
type dingtalkFormat struct {
	secret string
}

func (dingtalkFormat) payload(_ uint, text string, part, parts int) interface{} {
	return map[string]interface{}{
		"msgtype": "text",
		"text":    map[string]string{"content": numbered(text, part, parts)},
	}
}

func (f dingtalkFormat) endpoint(base string) string {
	if f.secret == "" {
		return base
	}
	timestamp := time.Now().UnixMilli()
	sign := hmacSign([]byte(f.secret), fmt.Sprintf("%d\n%s", timestamp, f.secret))
	return fmt.Sprintf("%s&timestamp=%d&sign=%s", base, timestamp, url.QueryEscape(sign))
}

// feishuFormat signs the body when the robot has a secret. The key is the
// string to sign itself and the message is empty.
type feishuFormat struct {
	secret string
}

func (f feishuFormat) payload(_ uint, text string, part, parts int) interface{} {
	body := map[string]interface{}{
		"msg_type": "text",
		"content":  map[string]string{"text": numbered(text, part, parts)},
	}
	if f.secret != "" {
		timestamp := time.Now().Unix()
		body["timestamp"] = strconv.FormatInt(timestamp, 10)
		body["sign"] = hmacSign([]byte(fmt.Sprintf("%d\n%s", timestamp, f.secret)), "")
	}
	return body
}

func (feishuFormat) endpoint(base string) string { return base }

func hmacSign(key []byte, message string) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
