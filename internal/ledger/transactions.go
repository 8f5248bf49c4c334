package ledger

import (
	"context"
	"net/http"
	"time"

	"github.com/aretw0/sheaf/pkg/domain"
	"github.com/aretw0/sheaf/pkg/ports"
	"github.com/aretw0/sheaf/pkg/schema"
)

// Transaction moves Amount from FromPerson to ToPerson. Transactions are
// immutable once recorded.
type Transaction struct {
	Key         string `json:"key"`
	FromPerson  Ref    `json:"fromperson"`
	ToPerson    Ref    `json:"toperson"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
}

// TransactionSchema is the accepted shape of a transaction body.
var TransactionSchema = schema.Object{Fields: map[string]schema.Field{
	"key":                  {Type: schema.GUID()},
	"transactiontimestamp": {Type: schema.String()},
	"fromperson":           {Type: schema.Ref(PersonsType), Required: true},
	"toperson":             {Type: schema.Ref(PersonsType), Required: true},
	"description":          {Type: schema.NonEmpty(), Required: true},
	"amount":               {Type: schema.NonZero(), Required: true},
}}

func expandTransaction(row ports.Row) map[string]any {
	return map[string]any{
		"key":                  toString(row["key"]),
		"transactiontimestamp": toString(row["transactiontimestamp"]),
		"fromperson":           Ref{Href: PersonsType + "/" + toString(row["fromperson"])},
		"toperson":             Ref{Href: PersonsType + "/" + toString(row["toperson"])},
		"description":          toString(row["description"]),
		"amount":               toInt(row["amount"]),
	}
}

// PutTransaction records a transaction and then, in two further resource
// phases, credits the receiver and debits the sender.
func PutTransaction(ctx context.Context, call *ports.Call) (*domain.Result, error) {
	k, err := key(call.Request)
	if err != nil {
		return nil, err
	}
	if err := TransactionSchema.ValidateJSON(call.Request.Body); err != nil {
		return nil, err
	}
	var t Transaction
	if err := call.Request.Decode(&t); err != nil {
		return nil, err
	}
	if err := bodyKey(k, t.Key); err != nil {
		return nil, err
	}
	from, err := refKey("fromperson", t.FromPerson, PersonsType)
	if err != nil {
		return nil, err
	}
	to, err := refKey("toperson", t.ToPerson, PersonsType)
	if err != nil {
		return nil, err
	}

	err = call.Phase.Do(ctx, func() error {
		rows, err := call.Tx.Query(ctx, "SELECT key FROM transactions WHERE key = ?", k)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			return domain.NewError(http.StatusConflict, "update.on.transactions.not.allowed", "Transactions cannot be updated.")
		}
		_, err = call.Tx.Exec(ctx,
			"INSERT INTO transactions (key, transactiontimestamp, fromperson, toperson, description, amount) VALUES (?, ?, ?, ?, ?, ?)",
			k, time.Now().UTC().Format(time.RFC3339Nano), from, to, t.Description, t.Amount)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = call.Phase.Do(ctx, func() error {
		_, err := call.Tx.Exec(ctx, "UPDATE persons SET balance = balance + ? WHERE key = ?", t.Amount, to)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = call.Phase.Do(ctx, func() error {
		_, err := call.Tx.Exec(ctx, "UPDATE persons SET balance = balance - ? WHERE key = ?", t.Amount, from)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &domain.Result{Status: http.StatusCreated}, nil
}

func GetTransaction(ctx context.Context, call *ports.Call) (*domain.Result, error) {
	k, err := key(call.Request)
	if err != nil {
		return nil, err
	}
	row, err := selectOne(ctx, call,
		"SELECT key, transactiontimestamp, fromperson, toperson, description, amount FROM transactions WHERE key = ?", k)
	if err != nil {
		return nil, err
	}
	return &domain.Result{Status: http.StatusOK, Body: expandTransaction(row)}, nil
}

func ListTransactions(ctx context.Context, call *ports.Call) (*domain.Result, error) {
	return list(ctx, call,
		"SELECT key, transactiontimestamp, fromperson, toperson, description, amount FROM transactions ORDER BY transactiontimestamp, key",
		TransactionsType, expandTransaction)
}
