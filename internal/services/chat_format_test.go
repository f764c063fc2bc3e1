package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/huangang/swarmhub/internal/config"
)

func TestChatFormats(t *testing.T) {
	tests := []struct {
		format string
		field  string
		want   string
	}{
		{"slack", "text", "[2/3] hello"},
		{"discord", "content", "[2/3] hello"},
		{"telegram", "text", "[2/3] hello"},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			f := newChatFormat(&config.NotifyConfig{Format: tt.format, ChatID: "42"})
			body, _ := json.Marshal(f.payload(1, "hello", 2, 3))
			var got map[string]interface{}
			json.Unmarshal(body, &got)
			if got[tt.field] != tt.want {
				t.Errorf("%s = %v, expected %q", tt.field, got[tt.field], tt.want)
			}
		})
	}
}

func TestChatFormats_SinglePartIsNotNumbered(t *testing.T) {
	body, _ := json.Marshal(newChatFormat(&config.NotifyConfig{Format: "wechat_work"}).payload(1, "hello", 1, 1))
	if !strings.Contains(string(body), `"content":"hello"`) {
		t.Errorf("payload = %s", body)
	}
}

func TestDingtalkFormat_SignsURL(t *testing.T) {
	base := "https://oapi.dingtalk.com/robot/send?access_token=x"
	if got := (dingtalkFormat{}).endpoint(base); got != base {
		t.Errorf("unsigned endpoint = %q", got)
	}
	got := (dingtalkFormat{secret: "SEC"}).endpoint(base)
	if !strings.HasPrefix(got, base+"&timestamp=") || !strings.Contains(got, "&sign=") {
		t.Errorf("signed endpoint = %q", got)
	}
}

func TestFeishuFormat_SignsBody(t *testing.T) {
	body := (feishuFormat{secret: "SEC"}).payload(1, "hi", 1, 1).(map[string]interface{})
	if body["sign"] == nil || body["timestamp"] == nil {
		t.Errorf("payload = %v, expected timestamp and sign", body)
	}
	if (feishuFormat{}).payload(1, "hi", 1, 1).(map[string]interface{})["sign"] != nil {
		t.Error("payload without secret should not be signed")
	}
}

func TestChatNotifier_Slack(t *testing.T) {
	var mu sync.Mutex
	var texts []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg struct {
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&msg)
		mu.Lock()
		texts = append(texts, msg.Text)
		mu.Unlock()
	}))
	defer server.Close()

	n := NewChatNotifier(&config.NotifyConfig{WebhookURL: server.URL, Format: "slack"})
	if !n.Notify(context.Background(), 1, "Job #1 failed.") {
		t.Fatal("Notify() = false, expected true")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(texts) != 1 || texts[0] != "Job #1 failed." {
		t.Errorf("texts = %v", texts)
	}
}
