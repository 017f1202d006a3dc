package storage

import "time"

// RunModel is one persisted workflow run.
type RunModel struct {
	ID           string `gorm:"primaryKey;size:36"`
	Query        string `gorm:"type:text;not null"`
	Outline      string `gorm:"type:text"`
	FinalAnswer  string `gorm:"type:text"`
	State        string `gorm:"size:32;index"`
	ReviewPasses int
	Fallback     bool
	Error        string `gorm:"type:text"`
	StartedAt    time.Time `gorm:"index"`
	DurationMS   int64

	Answers []AnswerModel `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

func (RunModel) TableName() string { return "runs" }

// AnswerModel is one (question, answer) pair belonging to a run.
type AnswerModel struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	RunID    string `gorm:"size:36;index;not null"`
	Position int    // Arrival order within the run.
	Question string `gorm:"type:text;not null"`
	Answer   string `gorm:"type:text"`
	Tool     string `gorm:"size:64"`
	Failed   bool
}

func (AnswerModel) TableName() string { return "answers" }

// PassageModel is one indexed chunk of an ingested rate document.
type PassageModel struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Source     string `gorm:"size:255;index;not null"`
	ChunkIndex int
	Content    string `gorm:"type:text;not null"`
	IngestedAt time.Time
}

func (PassageModel) TableName() string { return "passages" }

// CustomerModel is one bank customer record. Column names match the schema
// the customer lookup tool describes to the model.
type CustomerModel struct {
	CustomerID          string `gorm:"column:customer_id;primaryKey;size:16"`
	CustomerName        string `gorm:"column:customer_name;size:50;not null"`
	CustomerAddress     string `gorm:"column:customer_address;size:50;not null"`
	CustomerPhone       string `gorm:"column:customer_phone;size:50"`
	CustomerEmail       string `gorm:"column:customer_email;size:50"`
	CustomerDOB         string `gorm:"column:customer_dob;size:50"`
	CustomerGender      string `gorm:"column:customer_gender;size:50"`
	CustomerNationality string `gorm:"column:customer_nationality;size:50"`
	CustomerOccupation  string `gorm:"column:customer_occupation;size:50"`
	CustomerIncome      string `gorm:"column:customer_income;size:50"`
	AccountBalance      string `gorm:"column:account_balance;size:50"`
}

func (CustomerModel) TableName() string { return "customers" }

// seedCustomers returns the demo UK customer records inserted on first migration.
func seedCustomers() []CustomerModel {
	return []CustomerModel{
		{CustomerID: "C001", CustomerName: "Alice Johnson", CustomerAddress: "789 Pine St, Anytown, UK", CustomerPhone: "123-456-7892", CustomerEmail: "alice.johnson@example.com", CustomerDOB: "1992-03-20", CustomerGender: "Female", CustomerNationality: "UK", CustomerOccupation: "Teacher", CustomerIncome: "£40000", AccountBalance: "£1000"},
		{CustomerID: "C002", CustomerName: "Bob Brown", CustomerAddress: "123 Main St, Anytown, UK", CustomerPhone: "123-456-7893", CustomerEmail: "bob.brown@example.com", CustomerDOB: "1985-05-15", CustomerGender: "Male", CustomerNationality: "UK", CustomerOccupation: "Doctor", CustomerIncome: "£70000", AccountBalance: "£2000"},
		{CustomerID: "C003", CustomerName: "Charlie Davis", CustomerAddress: "456 Oak Ave, Anycity, UK", CustomerPhone: "123-456-7894", CustomerEmail: "charlie.davis@example.com", CustomerDOB: "1990-01-01", CustomerGender: "Male", CustomerNationality: "UK", CustomerOccupation: "Software Engineer", CustomerIncome: "£50000", AccountBalance: "£3000"},
		{CustomerID: "C004", CustomerName: "Tom Johns", CustomerAddress: "789 Pine St, Anytown, UK", CustomerPhone: "123-456-7895", CustomerEmail: "tom.johns@example.com", CustomerDOB: "1992-03-20", CustomerGender: "Male", CustomerNationality: "UK", CustomerOccupation: "Teacher", CustomerIncome: "£40000", AccountBalance: "£4000"},
		{CustomerID: "C005", CustomerName: "Jane Fonda", CustomerAddress: "123 Main St, Anytown, UK", CustomerPhone: "123-456-7896", CustomerEmail: "jane.fonda@example.com", CustomerDOB: "1985-05-15", CustomerGender: "Female", CustomerNationality: "UK", CustomerOccupation: "Doctor", CustomerIncome: "£70000", AccountBalance: "£5000"},
	}
}
