package texbot

import (
	"context"
	"math/rand/v2"

	"github.com/bwmarrin/discordgo"
)

type weightedReply struct {
	content string
	weight  int
}

var pingReplies = []weightedReply{
	{"Pong!", 994},
	{"64 bytes from TeX-Bot: icmp_seq=1 ttl=63 time=0.01 ms", 2},
	{"Hello, Is it me you're looking for?", 1},
	{"Ping! ...wait, that's my line.", 1},
	{"Pong! (this is a rare pong, be proud)", 1},
	{"We've been trying to reach you about your car's extended warranty", 1},
}

// randIntN is replaced in tests
var randIntN = rand.IntN

func pickWeighted(replies []weightedReply) string {
	total := 0
	for _, r := range replies {
		total += r.weight
	}
	if total <= 0 {
		return ""
	}
	n := randIntN(total)
	for _, r := range replies {
		if n < r.weight {
			return r.content
		}
		n -= r.weight
	}
	return replies[len(replies)-1].content
}

// PingCog replies to /ping
type PingCog struct {
	BaseCog
}

func (PingCog) Name() string {
	return "ping"
}

func (p PingCog) Commands() []*Command {
	return []*Command{
		{
			Definition: &discordgo.ApplicationCommand{
				Name:        "ping",
				Description: "Replies with Pong!",
			},
			Handler:    p.ping,
			Middleware: []Middleware{CaptureGuildDoesNotExistError},
		},
	}
}

func (PingCog) ping(ctx context.Context, c *CommandContext) error {
	return c.Respond(ctx, pickWeighted(pingReplies), false)
}
