package models

// Request types for the HTTP API. Bound from query parameters.

type ChangesRequest struct {
	Period int64  `query:"period" json:"period" validate:"gte=0"`
	Sort   string `query:"sort" json:"sort" default:"abs_relative" validate:"oneof=abs_relative abs_percent pair"`
	Limit  int    `query:"limit" json:"limit" default:"200" validate:"gte=1,lte=5000"`
}

type LatestChangesRequest struct {
	Pair   string `query:"pair" json:"pair" validate:"required"`
	Period int64  `query:"period" json:"period" validate:"gt=0"`
}

type HistoryRequest struct {
	Pair  string `query:"pair" json:"pair" validate:"required"`
	From  string `query:"from" json:"from"`
	To    string `query:"to" json:"to"`
	Limit int    `query:"limit" json:"limit" default:"500" validate:"gte=1,lte=10000"`
}

type CandlesRequest struct {
	Pair   string `query:"pair" json:"pair" validate:"required"`
	Period int64  `query:"period" json:"period" validate:"gt=0"`
	Limit  int    `query:"limit" json:"limit" default:"500" validate:"gte=1,lte=5000"`
}
