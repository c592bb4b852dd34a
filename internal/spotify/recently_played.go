package spotify

import (
	"context"
	"net/url"
	"strconv"
	"time"
)

// maxRecentlyPlayedLimit is the page size cap of the recently played endpoint.
const maxRecentlyPlayedLimit = 50

// RecentlyPlayed returns every play after the given instant, following the
// `next` link of each page until there is none. Items keep the order of the
// pages and of the items within them. Plays of tracks without an id (local
// files) are dropped.
func (c *Client) RecentlyPlayed(ctx context.Context, accessToken string, after time.Time, limit int) ([]PlayHistoryItem, error) {
	limit = c.clamp("limit", limit, maxRecentlyPlayedLimit)

	params := url.Values{
		"limit": {strconv.Itoa(limit)},
		"after": {strconv.FormatInt(after.UnixMilli(), 10)},
	}
	next := c.apiBaseURL + "/me/player/recently-played?" + params.Encode()

	var items []PlayHistoryItem
	visited := make(map[string]bool)
	for next != "" && !visited[next] {
		visited[next] = true

		var page recentlyPlayedPage
		if err := c.getJSON(ctx, "recently played", accessToken, next, &page); err != nil {
			return nil, err
		}

		for _, it := range page.Items {
			if it.Track.ID == "" {
				c.logger.Debug().Str("played_at", it.PlayedAt).Msg("skipping play without track id")
				continue
			}
			items = append(items, it)
		}

		next = ""
		if page.Next != nil {
			next = *page.Next
		}
	}

	return items, nil
}
