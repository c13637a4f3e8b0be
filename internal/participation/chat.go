package participation

import (
	"cmp"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/lalith-99/partyhub/internal/models"
)

// Chat is one community's message list as one viewer sees it. Messages are
// kept in (CreatedAt, ID) order with no duplicate IDs, whatever order they
// arrive in.
type Chat struct {
	communityID uuid.UUID

	mu       sync.Mutex
	messages []models.Message
	closed   bool
	onChange func()
}

func NewChat(communityID uuid.UUID) *Chat {
	return &Chat{communityID: communityID}
}

func (c *Chat) CommunityID() uuid.UUID { return c.communityID }

func (c *Chat) OnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Messages returns a copy of the list, oldest first.
func (c *Chat) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// Replace swaps in a fetched list.
func (c *Chat) Replace(messages []models.Message) {
	c.update(func() {
		c.messages = normalize(messages)
	})
}

// Append adds one message in order. A message already present is ignored.
func (c *Chat) Append(msg models.Message) {
	c.update(func() {
		c.messages = normalize(append(slices.Clone(c.messages), msg))
	})
}

func (c *Chat) Close() {
	c.mu.Lock()
	c.closed = true
	c.onChange = nil
	c.mu.Unlock()
}

func (c *Chat) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Chat) update(apply func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	apply()
	fn := c.onChange
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func compareMessages(a, b models.Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func normalize(messages []models.Message) []models.Message {
	out := slices.Clone(messages)
	slices.SortStableFunc(out, compareMessages)
	return slices.CompactFunc(out, func(a, b models.Message) bool {
		return a.ID == b.ID
	})
}
