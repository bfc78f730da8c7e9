// Package eventsub manages the EventSub side of the platform integration:
// the subscription catalog and reconciler, conduit lifecycle, and the signed
// webhook receiver.
package eventsub

// Event types the dashboard consumes.
const (
	TypeStreamOnline     = "stream.online"
	TypeStreamOffline    = "stream.offline"
	TypeRewardRedemption = "channel.channel_points_custom_reward_redemption.add"
	TypeChatMessage      = "channel.chat.message"
)

// SubscriptionSpec declares one desired subscription for a broadcaster.
// AlsoWebhook requests a second registration of the same (type, version) over
// the webhook transport in addition to the conduit one, so stream-end triggers
// keep firing while a conduit shard is being rebuilt.
type SubscriptionSpec struct {
	Type        string
	Version     string
	Condition   func(broadcasterID string) map[string]string
	AlsoWebhook bool
}

func broadcasterCondition(broadcasterID string) map[string]string {
	return map[string]string{"broadcaster_user_id": broadcasterID}
}

// DefaultCatalog is the desired subscription set per connected broadcaster.
// channel.chat.message needs the reading user in its condition, so it is only
// part of the catalog when a bot user id is configured.
func DefaultCatalog(botUserID string) []SubscriptionSpec {
	catalog := []SubscriptionSpec{
		{Type: TypeStreamOnline, Version: "1", Condition: broadcasterCondition},
		{Type: TypeStreamOffline, Version: "1", Condition: broadcasterCondition, AlsoWebhook: true},
		{Type: TypeRewardRedemption, Version: "1", Condition: broadcasterCondition},
	}
	if botUserID != "" {
		catalog = append(catalog, SubscriptionSpec{
			Type:    TypeChatMessage,
			Version: "1",
			Condition: func(broadcasterID string) map[string]string {
				return map[string]string{
					"broadcaster_user_id": broadcasterID,
					"user_id":             botUserID,
				}
			},
		})
	}
	return catalog
}
