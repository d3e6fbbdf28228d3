package chatlist

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/RishabhIDS/d8-byte-app/internal/chatid"
	"github.com/RishabhIDS/d8-byte-app/internal/models"
	"gopkg.in/yaml.v3"
)

const DefaultGreeting = "Hi! I'd love to get to know you better!"

//go:embed bots.yaml
var defaultBots []byte

// LoadBots 读取机器人配置；path 为空时使用内置列表。
func LoadBots(path string) ([]models.Bot, error) {
	data := defaultBots
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read bots file: %w", err)
		}
		data = b
	}
	return ParseBots(data)
}

func ParseBots(data []byte) ([]models.Bot, error) {
	var bots []models.Bot
	if err := yaml.Unmarshal(data, &bots); err != nil {
		return nil, fmt.Errorf("parse bots: %w", err)
	}
	seen := make(map[string]struct{}, len(bots))
	for i := range bots {
		b := &bots[i]
		if err := chatid.ValidateUserID(b.ID); err != nil {
			return nil, fmt.Errorf("bot %d: %w", i, err)
		}
		if _, dup := seen[b.ID]; dup {
			return nil, fmt.Errorf("bot %q: duplicate id", b.ID)
		}
		seen[b.ID] = struct{}{}
		if strings.TrimSpace(b.Name) == "" {
			return nil, fmt.Errorf("bot %q: name is empty", b.ID)
		}
		if b.Greeting == "" {
			b.Greeting = DefaultGreeting
		}
	}
	return bots, nil
}
