package market

import "time"

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Items = append([]LineItem(nil), r.Items...)
	cp.PublishAt = cloneTime(r.PublishAt)
	cp.ActivatedAt = cloneTime(r.ActivatedAt)
	cp.ClosedAt = cloneTime(r.ClosedAt)
	return &cp
}

// Clone returns a deep copy of the offer.
func (o *Offer) Clone() *Offer {
	cp := *o
	cp.Items = append([]QuotedItem(nil), o.Items...)
	cp.Images = append([]string(nil), o.Images...)
	if o.Terms != nil {
		t := *o.Terms
		t.Files = append([]string(nil), o.Terms.Files...)
		cp.Terms = &t
	}
	return &cp
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	cp := *o
	cp.Items = append([]OrderItem(nil), o.Items...)
	cp.FundedAt = cloneTime(o.FundedAt)
	cp.DeliveredAt = cloneTime(o.DeliveredAt)
	cp.CompletedAt = cloneTime(o.CompletedAt)
	cp.CancelledAt = cloneTime(o.CancelledAt)
	return &cp
}
