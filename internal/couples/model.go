package couples

// Couple links two partners, their locale, and the slot-picker rotation state.
// PartnerTwoID stays NULL until the second partner joins and is set exactly once.
type Couple struct {
	CoupleID         string  `gorm:"column:couple_id;primaryKey;size:190;not null"`
	PartnerOneID     string  `gorm:"column:partner_one_id;size:190;not null;index:idx_couples_partner_one"`
	PartnerTwoID     *string `gorm:"column:partner_two_id;size:190;index:idx_couples_partner_two"`
	CityZone         string  `gorm:"column:city_zone;size:64;not null"`
	Active           bool    `gorm:"column:active;not null;default:true"`
	LastSlotPickerID string  `gorm:"column:last_slot_picker_id;size:190;not null;default:''"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Couple) TableName() string {
	return "couples"
}

// Joined reports whether the second partner has linked.
func (c *Couple) Joined() bool {
	return c.PartnerTwoID != nil && *c.PartnerTwoID != ""
}

// PartnerOf returns the other partner's identifier, empty when not joined or
// the user is not a member.
func (c *Couple) PartnerOf(userID string) string {
	if userID == c.PartnerOneID && c.PartnerTwoID != nil {
		return *c.PartnerTwoID
	}
	if c.PartnerTwoID != nil && userID == *c.PartnerTwoID {
		return c.PartnerOneID
	}
	return ""
}

// DesignatedPicker returns the partner whose turn it is to pick the slot this
// cycle: whoever did not pick last. A fresh couple starts with partner one.
func (c *Couple) DesignatedPicker() string {
	if c.LastSlotPickerID == "" || !c.Joined() {
		return c.PartnerOneID
	}
	if c.LastSlotPickerID == c.PartnerOneID {
		return *c.PartnerTwoID
	}
	return c.PartnerOneID
}
