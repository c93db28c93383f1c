package outlook

import (
	"github.com/microsoftgraph/msgraph-sdk-go/models"
)

// Notification is one change notification posted to a subscription's
// webhook.
type Notification struct {
	SubscriptionID string
	ClientState    string
	ChangeType     string
	Resource       string
}

// ParseNotifications decodes a webhook body.
func ParseNotifications(data []byte) ([]Notification, error) {
	coll, err := decode[models.ChangeNotificationCollectionResponseable](data, models.CreateChangeNotificationCollectionResponseFromDiscriminatorValue)
	if err != nil {
		return nil, err
	}
	var out []Notification
	for _, n := range coll.GetValue() {
		item := Notification{
			ClientState: str(n.GetClientState()),
			Resource:    str(n.GetResource()),
		}
		if id := n.GetSubscriptionId(); id != nil {
			item.SubscriptionID = id.String()
		}
		if ct := n.GetChangeType(); ct != nil {
			item.ChangeType = ct.String()
		}
		out = append(out, item)
	}
	return out, nil
}
