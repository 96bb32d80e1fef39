package db

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Pool is the Go memory allocator used by Arrow.
var Pool = memory.NewGoAllocator()

// Logical table names of the e-commerce dataset.
const (
	Customers    = "olist_customers_dataset"
	Orders       = "olist_orders_dataset"
	OrderItems   = "olist_order_items_dataset"
	Products     = "olist_products_dataset"
	Translations = "product_category_name_translation"
	Reviews      = "olist_order_reviews_dataset"
)

// Column names referenced by the feature pipeline.
const (
	ColCustomerID       = "customer_id"
	ColCustomerUniqueID = "customer_unique_id"
	ColOrderID          = "order_id"
	ColOrderStatus      = "order_status"
	ColPurchaseTime     = "order_purchase_timestamp"
	ColOrderItemID      = "order_item_id"
	ColProductID        = "product_id"
	ColPrice            = "price"
	ColCategoryName     = "product_category_name"
	ColCategoryEnglish  = "product_category_name_english"
	ColReviewScore      = "review_score"
)

// TableSchema declares the column layout of a raw table and which of its
// columns hold timestamps.
type TableSchema struct {
	Schema   *arrow.Schema
	Temporal []string
}

func utf8(name string) arrow.Field {
	return arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true}
}

func i64(name string) arrow.Field {
	return arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Int64, Nullable: true}
}

func f64(name string) arrow.Field {
	return arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float64, Nullable: true}
}

// OrderTemporal lists the timestamp-bearing columns of the orders table.
var OrderTemporal = []string{
	ColPurchaseTime,
	"order_approved_at",
	"order_delivered_carrier_date",
	"order_delivered_customer_date",
	"order_estimated_delivery_date",
}

// Schemas holds the declared layout of every table the pipeline knows about.
// Timestamps are declared as strings: they are normalized by the window filter,
// not at load time.
var Schemas = map[string]TableSchema{
	Customers: {
		Schema: arrow.NewSchema([]arrow.Field{
			utf8(ColCustomerID),
			utf8(ColCustomerUniqueID),
			utf8("customer_zip_code_prefix"),
			utf8("customer_city"),
			utf8("customer_state"),
		}, nil),
	},
	Orders: {
		Schema: arrow.NewSchema([]arrow.Field{
			utf8(ColOrderID),
			utf8(ColCustomerID),
			utf8(ColOrderStatus),
			utf8(ColPurchaseTime),
			utf8("order_approved_at"),
			utf8("order_delivered_carrier_date"),
			utf8("order_delivered_customer_date"),
			utf8("order_estimated_delivery_date"),
		}, nil),
		Temporal: OrderTemporal,
	},
	OrderItems: {
		Schema: arrow.NewSchema([]arrow.Field{
			utf8(ColOrderID),
			i64(ColOrderItemID),
			utf8(ColProductID),
			utf8("seller_id"),
			utf8("shipping_limit_date"),
			f64(ColPrice),
			f64("freight_value"),
		}, nil),
		Temporal: []string{"shipping_limit_date"},
	},
	Products: {
		Schema: arrow.NewSchema([]arrow.Field{
			utf8(ColProductID),
			utf8(ColCategoryName),
			f64("product_name_lenght"),
			f64("product_description_lenght"),
			f64("product_photos_qty"),
			f64("product_weight_g"),
			f64("product_length_cm"),
			f64("product_height_cm"),
			f64("product_width_cm"),
		}, nil),
	},
	Translations: {
		Schema: arrow.NewSchema([]arrow.Field{
			utf8(ColCategoryName),
			utf8(ColCategoryEnglish),
		}, nil),
	},
	Reviews: {
		Schema: arrow.NewSchema([]arrow.Field{
			utf8("review_id"),
			utf8(ColOrderID),
			i64(ColReviewScore),
			utf8("review_comment_title"),
			utf8("review_comment_message"),
			utf8("review_creation_date"),
			utf8("review_answer_timestamp"),
		}, nil),
		Temporal: []string{"review_creation_date", "review_answer_timestamp"},
	},
}
