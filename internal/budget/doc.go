// Package budget checks monthly budgets against the expenses booked on each
// user's default account and raises at most one alert per calendar month.
package budget
