package storage

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/google/uuid"

	"github.com/itiky/listsync/model"
)

// Seed generates random account lists (used for demos and load testing).
func Seed(ctx context.Context, s *Storage, accountId model.AccountId, listsCount, itemsCount int) ([]model.List, error) {
	if listsCount <= 0 {
		return nil, fmt.Errorf("%s: must be GT 0", "listsCount")
	}
	if itemsCount < 0 {
		return nil, fmt.Errorf("%s: must be GTE 0", "itemsCount")
	}

	slog.Info("Creating lists...", "account", accountId, "lists", listsCount, "items", itemsCount)

	lists := make([]model.List, 0, listsCount)
	for i := 0; i < listsCount; i++ {
		year := 1950 + rand.Intn(75)
		list, err := s.Create(ctx, accountId, model.CreateListRequest{
			Name:  fmt.Sprintf("List #%d", i+1),
			Year:  &year,
			Items: NewMockItems(itemsCount),
		})
		if err != nil {
			return nil, fmt.Errorf("list[%d]: %w", i, err)
		}
		lists = append(lists, list)
	}

	slog.Info("Done", "account", accountId, "lists", len(lists))

	return lists, nil
}

// NewMockItems builds mock list items.
func NewMockItems(n int) model.Items {
	items := make(model.Items, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, NewMockItem())
	}

	return items
}

// NewMockItem builds a mock list item.
func NewMockItem() model.Item {
	return model.NewItem(uuid.New().String(), map[string]interface{}{
		"title":  fmt.Sprintf("Album %d", rand.Int31()),
		"artist": fmt.Sprintf("Artist %d", rand.Intn(1000)),
		"notes":  "",
	})
}
