package common

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
)

type Decorator func(APIHandler) APIHandler

type APIHandler func(http.ResponseWriter, *http.Request, httprouter.Params) (interface{}, error)

type HttpErr struct {
	Code int
	Text string
}

func (e HttpErr) Error() string {
	return e.Text
}

func errCode(err error) int {
	if he, ok := err.(HttpErr); ok {
		return he.Code
	}
	return http.StatusInternalServerError
}

func PlainText(f APIHandler) APIHandler {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) (interface{}, error) {
		code := http.StatusOK
		data, err := f(w, req, ps)
		if err != nil {
			code = errCode(err)
			data = err.Error()
		}
		switch d := data.(type) {
		case string:
			w.WriteHeader(code)
			io.WriteString(w, d)
		case []byte:
			w.WriteHeader(code)
			w.Write(d)
		default:
			panic(fmt.Sprintf("unknown response type %T", data))
		}
		return nil, nil
	}
}

func V1(f APIHandler) APIHandler {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) (interface{}, error) {
		data, err := f(w, req, ps)
		if err != nil {
			RespondV1(w, errCode(err), err)
			return nil, nil
		}
		RespondV1(w, http.StatusOK, data)
		return nil, nil
	}
}

func RespondV1(w http.ResponseWriter, code int, data interface{}) {
	var response []byte
	var err error
	var isJSON bool

	if code == http.StatusOK {
		switch d := data.(type) {
		case string:
			response = []byte(d)
		case []byte:
			response = d
		case nil:
			response = []byte{}
		default:
			isJSON = true
			response, err = json.Marshal(data)
			if err != nil {
				code = http.StatusInternalServerError
				data = err
			}
		}
	}

	if code != http.StatusOK {
		isJSON = true
		response, _ = json.Marshal(map[string]string{"message": fmt.Sprintf("%s", data)})
	}

	if isJSON {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(code)
	w.Write(response)
}

func Decorate(f APIHandler, ds ...Decorator) httprouter.Handle {
	decorated := f
	for _, decorate := range ds {
		decorated = decorate(decorated)
	}
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		decorated(w, req, ps)
	}
}

func HttpLog(log *LevelLogger, level int32) Decorator {
	return func(f APIHandler) APIHandler {
		return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) (interface{}, error) {
			start := time.Now()
			response, err := f(w, req, ps)
			elapsed := time.Since(start)
			status := http.StatusOK
			if err != nil {
				status = errCode(err)
			}
			if log == nil || log.Logger == nil {
				return response, err
			}
			if status != http.StatusOK || log.Level() >= level {
				log.Logger.Output(2, fmt.Sprintf("%d %s %s (%s) %s",
					status, req.Method, req.URL.RequestURI(), req.RemoteAddr, elapsed))
			}
			return response, err
		}
	}
}
