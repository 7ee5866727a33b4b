package models

type Table struct {
	TableID      string `json:"table_id"`
	RestaurantID string `json:"restaurant_id"`
	TableNumber  int    `json:"table_number"`
	QRCode       string `json:"qr_code"`
}
