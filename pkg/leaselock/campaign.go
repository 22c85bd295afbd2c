package leaselock

import "context"

// CampaignKey is the lease key guarding rebuilds of one campaign.
func CampaignKey(campaignID string) string {
	return "rebuild:" + campaignID
}

// CampaignLocker holds one lease per campaign with fixed options.
type CampaignLocker struct {
	client *Client
	opts   Options
}

func (c *Client) Campaigns(opts Options) *CampaignLocker {
	return &CampaignLocker{client: c, opts: opts}
}

func (l *CampaignLocker) WithCampaignLock(ctx context.Context, campaignID string, fn func(ctx context.Context) error) error {
	return l.client.WithLease(ctx, CampaignKey(campaignID), l.opts, fn)
}
