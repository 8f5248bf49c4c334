package ledger

import (
	"context"
	"net/http"

	"github.com/aretw0/sheaf/pkg/domain"
	"github.com/aretw0/sheaf/pkg/ports"
	"github.com/aretw0/sheaf/pkg/schema"
)

// Person is the body of a /persons resource. Balance is maintained by
// transactions and only honoured on creation.
type Person struct {
	Key       string `json:"key"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Email     string `json:"email"`
	Balance   int64  `json:"balance"`
}

// PersonSchema is the accepted shape of a person body.
var PersonSchema = schema.Object{Fields: map[string]schema.Field{
	"key":       {Type: schema.GUID()},
	"firstname": {Type: schema.NonEmpty(), Required: true},
	"lastname":  {Type: schema.NonEmpty(), Required: true},
	"email":     {Type: schema.Email()},
	"balance":   {Type: schema.Int()},
}}

func expandPerson(row ports.Row) map[string]any {
	return map[string]any{
		"key":       toString(row["key"]),
		"firstname": toString(row["firstname"]),
		"lastname":  toString(row["lastname"]),
		"email":     toString(row["email"]),
		"balance":   toInt(row["balance"]),
	}
}

// PutPerson creates or updates a person.
func PutPerson(ctx context.Context, call *ports.Call) (*domain.Result, error) {
	k, err := key(call.Request)
	if err != nil {
		return nil, err
	}
	if err := PersonSchema.ValidateJSON(call.Request.Body); err != nil {
		return nil, err
	}
	var p Person
	if err := call.Request.Decode(&p); err != nil {
		return nil, err
	}
	if err := bodyKey(k, p.Key); err != nil {
		return nil, err
	}

	status := http.StatusOK
	err = call.Phase.Do(ctx, func() error {
		n, err := call.Tx.Exec(ctx,
			"UPDATE persons SET firstname = ?, lastname = ?, email = ? WHERE key = ?",
			p.Firstname, p.Lastname, p.Email, k)
		if err != nil || n > 0 {
			return err
		}
		status = http.StatusCreated
		_, err = call.Tx.Exec(ctx,
			"INSERT INTO persons (key, firstname, lastname, email, balance) VALUES (?, ?, ?, ?, ?)",
			k, p.Firstname, p.Lastname, p.Email, p.Balance)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &domain.Result{Status: status}, nil
}

func GetPerson(ctx context.Context, call *ports.Call) (*domain.Result, error) {
	k, err := key(call.Request)
	if err != nil {
		return nil, err
	}
	row, err := selectOne(ctx, call, "SELECT key, firstname, lastname, email, balance FROM persons WHERE key = ?", k)
	if err != nil {
		return nil, err
	}
	return &domain.Result{Status: http.StatusOK, Body: expandPerson(row)}, nil
}

func ListPersons(ctx context.Context, call *ports.Call) (*domain.Result, error) {
	return list(ctx, call, "SELECT key, firstname, lastname, email, balance FROM persons ORDER BY key", PersonsType, expandPerson)
}

// DeletePerson removes a person. A person still referenced by a transaction
// fails with a constraint violation once the transaction is committed.
func DeletePerson(ctx context.Context, call *ports.Call) (*domain.Result, error) {
	k, err := key(call.Request)
	if err != nil {
		return nil, err
	}
	var n int64
	err = call.Phase.Do(ctx, func() (err error) {
		n, err = call.Tx.Exec(ctx, "DELETE FROM persons WHERE key = ?", k)
		return err
	})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, notFound()
	}
	return &domain.Result{Status: http.StatusOK}, nil
}
