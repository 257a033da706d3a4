package model

import "time"

// RuleFamily names a notification channel family
type RuleFamily string

const (
	FamilyTicketing RuleFamily = "ticketing"
	FamilyChat      RuleFamily = "chat"
	FamilySMS       RuleFamily = "sms"
)

// Rule is implemented by every notification rule family
type Rule interface {
	Base() *RuleBase
	Family() RuleFamily
}

// RuleBase holds the fields shared by all rule families
type RuleBase struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Name          string    `gorm:"uniqueIndex;size:255;not null" json:"name"`
	Description   string    `gorm:"type:text" json:"description,omitempty"`
	Active        bool      `gorm:"not null" json:"active"`
	Priority      int       `gorm:"not null" json:"priority"`
	MatchCriteria Labels    `gorm:"type:text" json:"match_criteria"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Base returns the shared rule fields
func (r *RuleBase) Base() *RuleBase {
	return r
}

// TicketRule routes incidents to the issue tracker
type TicketRule struct {
	RuleBase
	ProjectKey              string        `gorm:"size:50;not null" json:"project_key"`
	IssueType               string        `gorm:"size:50;not null" json:"issue_type"`
	Assignee                string        `gorm:"size:100" json:"assignee,omitempty"`
	TitleTemplate           string        `gorm:"type:text" json:"title_template,omitempty"`
	DescriptionTemplate     string        `gorm:"type:text" json:"description_template,omitempty"`
	UpdateCommentTemplate   string        `gorm:"type:text" json:"update_comment_template,omitempty"`
	ResolvedCommentTemplate string        `gorm:"type:text" json:"resolved_comment_template,omitempty"`
	Matchers                []RuleMatcher `gorm:"foreignKey:RuleID;constraint:OnDelete:CASCADE" json:"matchers,omitempty"`
}

// TableName pins the table name
func (TicketRule) TableName() string {
	return "ticket_rules"
}

// Family implements Rule
func (*TicketRule) Family() RuleFamily {
	return FamilyTicketing
}

// RuleMatcher is one named predicate set a ticket rule requires
type RuleMatcher struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	RuleID  uint   `gorm:"index;not null" json:"rule_id"`
	Name    string `gorm:"size:255" json:"name"`
	Labels  Labels `gorm:"type:text" json:"labels"`
	IsRegex bool   `json:"is_regex"`
}

// TableName pins the table name
func (RuleMatcher) TableName() string {
	return "ticket_rule_matchers"
}

// ChatRule routes incidents to a chat channel
type ChatRule struct {
	RuleBase
	Channel          string `gorm:"size:100;not null" json:"channel"`
	MessageTemplate  string `gorm:"type:text" json:"message_template,omitempty"`
	ResolvedTemplate string `gorm:"type:text" json:"resolved_template,omitempty"`
}

// TableName pins the table name
func (ChatRule) TableName() string {
	return "chat_rules"
}

// Family implements Rule
func (*ChatRule) Family() RuleFamily {
	return FamilyChat
}

// SmsRule routes incidents to phone book recipients
type SmsRule struct {
	RuleBase
	Recipients       string `gorm:"type:text" json:"recipients,omitempty"`
	UseSmsAnnotation bool   `json:"use_sms_annotation"`
	FiringTemplate   string `gorm:"type:text" json:"firing_template,omitempty"`
	ResolvedTemplate string `gorm:"type:text" json:"resolved_template,omitempty"`
}

// TableName pins the table name
func (SmsRule) TableName() string {
	return "sms_rules"
}

// Family implements Rule
func (*SmsRule) Family() RuleFamily {
	return FamilySMS
}

// PhoneBookEntry maps a recipient name to a phone number
type PhoneBookEntry struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"uniqueIndex;size:100;not null" json:"name"`
	PhoneNumber string    `gorm:"size:32;not null" json:"phone_number"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName pins the table name
func (PhoneBookEntry) TableName() string {
	return "phone_book"
}
