package models

// Plan тарифный план, доступный для покупки и ручной выдачи.
type Plan struct {
	Code         string `yaml:"code" json:"code"`
	Title        string `yaml:"title" json:"title"`
	DurationDays int    `yaml:"duration_days" json:"duration_days"`
	Amount       int64  `yaml:"amount" json:"amount"` // В минимальных единицах валюты
	Currency     string `yaml:"currency" json:"currency"`
}
