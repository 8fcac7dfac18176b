package store

// User is a registered account. Rows are immutable after insert.
type User struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"size:64;uniqueIndex;not null"`
	Email        string `gorm:"size:128;uniqueIndex;not null"`
	PasswordHash string `gorm:"size:64;not null"`
	Salt         string `gorm:"size:16;not null"`
	Avatar       string `gorm:"size:256"`
}

// MessageRecord is one durably persisted chat message. RedisID is the
// stream id the cache assigned on append; duplicates can occur because the
// persister is at-least-once, and readers resolve them by keeping the first.
type MessageRecord struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	RedisID   string `gorm:"size:32;index"`
	RoomID    string `gorm:"size:64;index:idx_room_ts,priority:1"`
	UserID    string `gorm:"size:32"`
	Content   string `gorm:"type:text"`
	Timestamp int64  `gorm:"index:idx_room_ts,priority:2,sort:desc"`
}

// TableName pins the table the original schema used.
func (MessageRecord) TableName() string { return "messages" }
